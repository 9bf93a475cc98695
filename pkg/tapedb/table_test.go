package tapedb_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/tapedb/pkg/tapedb"
)

func Test_Initialize_Is_Idempotent(t *testing.T) {
	t.Parallel()

	ctrl := openTestController(t)
	table := newTestTable(t, ctrl, "docs", "name")

	// Second run must not fail or disturb stored data.
	id := upsertTestDoc(t.Context(), t, table, map[string]any{"name": "slime"})

	err := table.Initialize(t.Context(), "name")
	if err != nil {
		t.Fatalf("second initialize: %v", err)
	}

	_, err = table.Find(t.Context(), id)
	if err != nil {
		t.Fatalf("find after reinitialize: %v", err)
	}
}

func Test_Initialize_Creates_Index_For_Each_Field(t *testing.T) {
	t.Parallel()

	ctrl := openTestController(t)
	newTestTable(t, ctrl, "docs", "name", "level")

	rows, err := ctrl.Execute(t.Context(),
		"SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = 'docs' ORDER BY name")
	if err != nil {
		t.Fatalf("sqlite_master: %v", err)
	}

	names := make(map[string]bool, len(rows))

	for _, row := range rows {
		names[rowText(row[0])] = true
	}

	if !names["idx_docs_name"] || !names["idx_docs_level"] {
		t.Fatalf("indexes = %v, want idx_docs_name and idx_docs_level", names)
	}
}

func Test_Initialize_Rejects_Invalid_Index_Field(t *testing.T) {
	t.Parallel()

	ctrl := openTestController(t)

	table, err := tapedb.NewTable(ctrl, "docs")
	if err != nil {
		t.Fatalf("new table: %v", err)
	}

	err = table.Initialize(t.Context(), "name; DROP TABLE docs")
	if !errors.Is(err, tapedb.ErrInvalidQuery) {
		t.Fatalf("err = %v, want ErrInvalidQuery", err)
	}
}

func Test_NewTable_Rejects_Invalid_Table_Name(t *testing.T) {
	t.Parallel()

	ctrl := openTestController(t)

	_, err := tapedb.NewTable(ctrl, "docs; --")
	if err == nil {
		t.Fatal("invalid table name accepted")
	}
}

func Test_Upsert_Assigns_Id_When_Document_Is_New(t *testing.T) {
	t.Parallel()

	ctrl := openTestController(t)
	table := newTestTable(t, ctrl, "docs")

	first := upsertTestDoc(t.Context(), t, table, map[string]any{"name": "slime"})
	second := upsertTestDoc(t.Context(), t, table, map[string]any{"name": "drake"})

	if first <= 0 {
		t.Fatalf("first id = %d, want > 0", first)
	}

	if second <= first {
		t.Fatalf("second id = %d, want > %d", second, first)
	}
}

func Test_Find_Returns_Stored_Data(t *testing.T) {
	t.Parallel()

	ctrl := openTestController(t)
	table := newTestTable(t, ctrl, "docs")

	data := map[string]any{"name": "slime", "level": float64(3), "tags": []any{"weak", "blue"}}
	id := upsertTestDoc(t.Context(), t, table, data)

	got, err := table.Find(t.Context(), id)
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	if got.ID != id {
		t.Fatalf("id = %d, want %d", got.ID, id)
	}

	if got.Version != nil {
		t.Fatalf("version = %v, want nil on plain table", *got.Version)
	}

	if diff := cmp.Diff(data, got.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
}

func Test_Upsert_Replaces_Document_When_Id_Exists(t *testing.T) {
	t.Parallel()

	ctrl := openTestController(t)
	table := newTestTable(t, ctrl, "docs")

	id := upsertTestDoc(t.Context(), t, table, map[string]any{"name": "slime", "hp": float64(10)})

	replacedID, err := table.Upsert(t.Context(), tapedb.Document{
		ID:   id,
		Data: map[string]any{"name": "metal slime"},
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}

	if replacedID != id {
		t.Fatalf("replaced id = %d, want %d", replacedID, id)
	}

	got, err := table.Find(t.Context(), id)
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	// Whole-document replacement: the hp field must be gone.
	want := map[string]any{"name": "metal slime"}
	if diff := cmp.Diff(want, got.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
}

func Test_Upsert_Stores_Empty_Object_When_Data_Is_Nil(t *testing.T) {
	t.Parallel()

	ctrl := openTestController(t)
	table := newTestTable(t, ctrl, "docs")

	id, err := table.Upsert(t.Context(), tapedb.Document{})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := table.Find(t.Context(), id)
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	if len(got.Data) != 0 {
		t.Fatalf("data = %v, want empty", got.Data)
	}
}

func Test_Find_Returns_ErrNotFound_When_Id_Missing(t *testing.T) {
	t.Parallel()

	ctrl := openTestController(t)
	table := newTestTable(t, ctrl, "docs")

	_, err := table.Find(t.Context(), 999)
	if !errors.Is(err, tapedb.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	var terr *tapedb.Error
	if !errors.As(err, &terr) {
		t.Fatalf("err %T does not carry table context", err)
	}

	if terr.Table != "docs" || terr.DocID != 999 {
		t.Fatalf("context = (%s, %d), want (docs, 999)", terr.Table, terr.DocID)
	}
}

func Test_Delete_Is_NoOp_When_Id_Missing(t *testing.T) {
	t.Parallel()

	ctrl := openTestController(t)
	table := newTestTable(t, ctrl, "docs")

	err := table.Delete(t.Context(), 999)
	if err != nil {
		t.Fatalf("delete missing id: %v", err)
	}
}

func Test_Delete_Removes_Document(t *testing.T) {
	t.Parallel()

	ctrl := openTestController(t)
	table := newTestTable(t, ctrl, "docs")

	id := upsertTestDoc(t.Context(), t, table, map[string]any{"name": "slime"})

	err := table.Delete(t.Context(), id)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, err = table.Find(t.Context(), id)
	if !errors.Is(err, tapedb.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	// A second delete of the same id is still fine.
	err = table.Delete(t.Context(), id)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func Test_Search_Matches_On_All_Conditions(t *testing.T) {
	t.Parallel()

	ctrl := openTestController(t)
	table := newTestTable(t, ctrl, "docs", "name")

	upsertTestDoc(t.Context(), t, table, map[string]any{"name": "slime", "zone": "cave"})
	wantID := upsertTestDoc(t.Context(), t, table, map[string]any{"name": "slime", "zone": "field"})
	upsertTestDoc(t.Context(), t, table, map[string]any{"name": "drake", "zone": "field"})

	docs, err := table.Search(t.Context(), map[string]any{"name": "slime", "zone": "field"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if len(docs) != 1 || docs[0].ID != wantID {
		t.Fatalf("docs = %v, want single id %d", docs, wantID)
	}
}

func Test_Search_Returns_Empty_When_Nothing_Matches(t *testing.T) {
	t.Parallel()

	ctrl := openTestController(t)
	table := newTestTable(t, ctrl, "docs")

	upsertTestDoc(t.Context(), t, table, map[string]any{"name": "slime"})

	docs, err := table.Search(t.Context(), map[string]any{"name": "dragonlord"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if len(docs) != 0 {
		t.Fatalf("docs = %v, want none", docs)
	}
}

func Test_Search_Returns_ErrInvalidQuery_When_Conditions_Empty(t *testing.T) {
	t.Parallel()

	ctrl := openTestController(t)
	table := newTestTable(t, ctrl, "docs")

	_, err := table.Search(t.Context(), map[string]any{})
	if !errors.Is(err, tapedb.ErrInvalidQuery) {
		t.Fatalf("err = %v, want ErrInvalidQuery", err)
	}
}

func Test_Search_Supports_Id_Condition(t *testing.T) {
	t.Parallel()

	ctrl := openTestController(t)
	table := newTestTable(t, ctrl, "docs")

	upsertTestDoc(t.Context(), t, table, map[string]any{"name": "slime"})
	id := upsertTestDoc(t.Context(), t, table, map[string]any{"name": "slime"})

	docs, err := table.Search(t.Context(), map[string]any{"id": id, "name": "slime"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if len(docs) != 1 || docs[0].ID != id {
		t.Fatalf("docs = %v, want single id %d", docs, id)
	}
}

func Test_SearchAdvanced_Supports_Range_Operators(t *testing.T) {
	t.Parallel()

	ctrl := openTestController(t)
	table := newTestTable(t, ctrl, "docs", "level")

	upsertTestDoc(t.Context(), t, table, map[string]any{"name": "slime", "level": float64(2)})
	upsertTestDoc(t.Context(), t, table, map[string]any{"name": "drake", "level": float64(12)})
	upsertTestDoc(t.Context(), t, table, map[string]any{"name": "golem", "level": float64(25)})

	docs, err := table.SearchAdvanced(t.Context(), []tapedb.Condition{
		{Field: "level", Op: tapedb.OpGe, Value: 10},
		{Field: "level", Op: tapedb.OpLt, Value: 20},
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if len(docs) != 1 || docs[0].Data["name"] != "drake" {
		t.Fatalf("docs = %v, want only drake", docs)
	}
}

func Test_SearchAdvanced_Orders_Results_By_Id(t *testing.T) {
	t.Parallel()

	ctrl := openTestController(t)
	table := newTestTable(t, ctrl, "docs")

	var want []int64
	for range 5 {
		want = append(want, upsertTestDoc(t.Context(), t, table, map[string]any{"kind": "slime"}))
	}

	docs, err := table.SearchAdvanced(t.Context(), []tapedb.Condition{
		{Field: "kind", Op: tapedb.OpEq, Value: "slime"},
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	got := make([]int64, 0, len(docs))
	for _, doc := range docs {
		got = append(got, doc.ID)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
}

func Test_SearchAdvanced_Rejects_Unknown_Operator(t *testing.T) {
	t.Parallel()

	ctrl := openTestController(t)
	table := newTestTable(t, ctrl, "docs")

	_, err := table.SearchAdvanced(t.Context(), []tapedb.Condition{
		{Field: "name", Op: tapedb.Op("LIKE"), Value: "%sl%"},
	})
	if !errors.Is(err, tapedb.ErrInvalidQuery) {
		t.Fatalf("err = %v, want ErrInvalidQuery", err)
	}

	_, err = table.SearchAdvanced(t.Context(), []tapedb.Condition{
		{Field: "name", Op: tapedb.Op("= 1; DROP TABLE docs; --"), Value: "x"},
	})
	if !errors.Is(err, tapedb.ErrInvalidQuery) {
		t.Fatalf("err = %v, want ErrInvalidQuery", err)
	}
}

func Test_SearchAdvanced_Rejects_Invalid_Field_Name(t *testing.T) {
	t.Parallel()

	ctrl := openTestController(t)
	table := newTestTable(t, ctrl, "docs")

	_, err := table.SearchAdvanced(t.Context(), []tapedb.Condition{
		{Field: "name') OR 1=1 --", Op: tapedb.OpEq, Value: "x"},
	})
	if !errors.Is(err, tapedb.ErrInvalidQuery) {
		t.Fatalf("err = %v, want ErrInvalidQuery", err)
	}
}

func Test_BulkUpsert_Assigns_Sequential_Ids_In_Call_Order(t *testing.T) {
	t.Parallel()

	ctrl := openTestController(t)
	table := newTestTable(t, ctrl, "docs")

	existing := upsertTestDoc(t.Context(), t, table, map[string]any{"name": "slime"})

	ids, err := table.BulkUpsert(t.Context(), []tapedb.Document{
		{Data: map[string]any{"name": "drake"}},
		{ID: existing, Data: map[string]any{"name": "metal slime"}},
		{Data: map[string]any{"name": "golem"}},
	})
	if err != nil {
		t.Fatalf("bulk upsert: %v", err)
	}

	if len(ids) != 3 {
		t.Fatalf("ids = %v, want 3", ids)
	}

	if ids[1] != existing {
		t.Fatalf("ids[1] = %d, want existing id %d", ids[1], existing)
	}

	if ids[0] == ids[2] || ids[0] == existing || ids[2] == existing {
		t.Fatalf("ids = %v, want distinct", ids)
	}

	got, err := table.Find(t.Context(), existing)
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	if got.Data["name"] != "metal slime" {
		t.Fatalf("name = %v, want metal slime", got.Data["name"])
	}
}

func Test_BulkUpsert_Returns_Nil_When_Batch_Empty(t *testing.T) {
	t.Parallel()

	ctrl := openTestController(t)
	table := newTestTable(t, ctrl, "docs")

	ids, err := table.BulkUpsert(t.Context(), nil)
	if err != nil {
		t.Fatalf("empty bulk upsert: %v", err)
	}

	if ids != nil {
		t.Fatalf("ids = %v, want nil", ids)
	}
}

func Test_Two_Tables_Share_One_Controller(t *testing.T) {
	t.Parallel()

	ctrl := openTestController(t)
	monsters := newTestTable(t, ctrl, "monsters")
	items := newTestTable(t, ctrl, "items")

	monsterID := upsertTestDoc(t.Context(), t, monsters, map[string]any{"name": "slime"})
	itemID := upsertTestDoc(t.Context(), t, items, map[string]any{"name": "herb"})

	_, err := monsters.Find(t.Context(), monsterID)
	if err != nil {
		t.Fatalf("find monster: %v", err)
	}

	got, err := items.Find(t.Context(), itemID)
	if err != nil {
		t.Fatalf("find item: %v", err)
	}

	if got.Data["name"] != "herb" {
		t.Fatalf("item name = %v, want herb", got.Data["name"])
	}
}
