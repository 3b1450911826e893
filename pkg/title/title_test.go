package title

import (
	"context"
	"testing"
)

const testAppID = 0x0100000000010000

type fixedSource struct {
	titles map[StorageID][]TitleInfo
}

func (s fixedSource) Enumerate(ctx context.Context, storage StorageID) ([]TitleInfo, error) {
	return s.titles[storage], nil
}

func TestPatchIDRoundTrip(t *testing.T) {
	patchID := PatchID(testAppID)
	if patchID != testAppID+0x800 {
		t.Fatalf("PatchID = %x, want %x", patchID, testAppID+0x800)
	}
	if got := ApplicationIDByPatchID(patchID); got != testAppID {
		t.Fatalf("ApplicationIDByPatchID = %x, want %x", got, testAppID)
	}
}

func TestAddOnContentIDValidity(t *testing.T) {
	base := AddOnContentBaseID(testAppID)
	if base != (testAppID&0xFFFFFFFFFFFFF000)+0x1000 {
		t.Fatalf("AddOnContentBaseID = %x", base)
	}

	first := AddOnContentIDByIndex(testAppID, 0)
	if first != base+1 {
		t.Fatalf("AddOnContentIDByIndex(0) = %x, want %x", first, base+1)
	}
	if !AddOnContentBelongsToApplication(testAppID, first) {
		t.Fatalf("expected %x to belong to application %x", first, testAppID)
	}
	if got := ApplicationIDByAddOnContentID(first); got != testAppID {
		t.Fatalf("ApplicationIDByAddOnContentID = %x, want %x", got, testAppID)
	}

	last := AddOnContentMaxID(base)
	if !IsAddOnContentIDValid(last, base) {
		t.Fatalf("expected max id %x to be valid for base %x", last, base)
	}
	if IsAddOnContentIDValid(last+1, base) {
		t.Fatalf("expected id past the max to be invalid")
	}
}

func TestDataPatchIDRoundTrip(t *testing.T) {
	aocID := AddOnContentIDByIndex(testAppID, 0)
	dataPatchID := DataPatchID(aocID)
	if got := AddOnContentIDByDataPatchID(dataPatchID); got != aocID {
		t.Fatalf("AddOnContentIDByDataPatchID = %x, want %x", got, aocID)
	}
	if got := ApplicationIDByDataPatchID(dataPatchID); got != testAppID {
		t.Fatalf("ApplicationIDByDataPatchID = %x, want %x", got, testAppID)
	}
}

func TestDeltaIDRoundTrip(t *testing.T) {
	deltaID := DeltaID(testAppID)
	if got := ApplicationIDByDeltaID(deltaID); got != testAppID {
		t.Fatalf("ApplicationIDByDeltaID = %x, want %x", got, testAppID)
	}
}

func TestIndexRebuildAndTitleByID(t *testing.T) {
	idx := New()
	src := fixedSource{titles: map[StorageID][]TitleInfo{
		StorageSdCard: {
			{Storage: StorageSdCard, MetaKey: MetaKey{ID: testAppID, Type: MetaApplication}},
		},
	}}

	if err := idx.Rebuild(context.Background(), src, StorageSdCard); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	got, ok := idx.TitleByID(StorageSdCard, testAppID)
	if !ok {
		t.Fatalf("expected to find title %x on StorageSdCard", testAppID)
	}
	if got.MetaKey.Type != MetaApplication {
		t.Fatalf("MetaKey.Type = %v, want MetaApplication", got.MetaKey.Type)
	}

	if _, ok := idx.TitleByID(StorageGameCard, testAppID); ok {
		t.Fatalf("did not expect to find %x on StorageGameCard", testAppID)
	}
}

func TestIndexAllTitles(t *testing.T) {
	idx := New()
	gcSrc := fixedSource{titles: map[StorageID][]TitleInfo{
		StorageGameCard: {{Storage: StorageGameCard, MetaKey: MetaKey{ID: 1, Type: MetaApplication}}},
	}}
	sdSrc := fixedSource{titles: map[StorageID][]TitleInfo{
		StorageSdCard: {{Storage: StorageSdCard, MetaKey: MetaKey{ID: 2, Type: MetaApplication}}},
	}}
	if err := idx.Rebuild(context.Background(), gcSrc, StorageGameCard); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if err := idx.Rebuild(context.Background(), sdSrc, StorageSdCard); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	all := idx.AllTitles()
	if len(all) != 2 {
		t.Fatalf("AllTitles returned %d entries, want 2", len(all))
	}

	if got := idx.Titles(StorageGameCard); len(got) != 1 || got[0].MetaKey.ID != 1 {
		t.Fatalf("Titles(StorageGameCard) = %+v", got)
	}
}

func TestUserApplicationDataGrouping(t *testing.T) {
	patchID := PatchID(testAppID)
	aocID := AddOnContentIDByIndex(testAppID, 0)
	dataPatchID := DataPatchID(aocID)

	idx := New()
	src := fixedSource{titles: map[StorageID][]TitleInfo{
		StorageSdCard: {
			{Storage: StorageSdCard, MetaKey: MetaKey{ID: testAppID, Type: MetaApplication}},
			{Storage: StorageSdCard, MetaKey: MetaKey{ID: patchID, Type: MetaPatch}},
			{Storage: StorageSdCard, MetaKey: MetaKey{ID: aocID, Type: MetaAddOnContent}},
			{Storage: StorageSdCard, MetaKey: MetaKey{ID: dataPatchID, Type: MetaDataPatch}},
		},
	}}
	if err := idx.Rebuild(context.Background(), src, StorageSdCard); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	data := idx.UserApplicationData(testAppID)
	if data.App == nil || data.App.MetaKey.ID != testAppID {
		t.Fatalf("App = %+v, want id %x", data.App, testAppID)
	}
	if data.Patch == nil || data.Patch.MetaKey.ID != patchID {
		t.Fatalf("Patch = %+v, want id %x", data.Patch, patchID)
	}
	if data.AddOnContent == nil || data.AddOnContent.MetaKey.ID != aocID {
		t.Fatalf("AddOnContent = %+v, want id %x", data.AddOnContent, aocID)
	}
	if data.DataPatch == nil || data.DataPatch.MetaKey.ID != dataPatchID {
		t.Fatalf("DataPatch = %+v, want id %x", data.DataPatch, dataPatchID)
	}
}

func TestContentByTypeAndIDOffset(t *testing.T) {
	ti := TitleInfo{
		Contents: []ContentInfo{
			{ContentType: ContentProgram, IDOffset: 0, Size: 100},
			{ContentType: ContentControl, IDOffset: 0, Size: 10},
			{ContentType: ContentData, IDOffset: 1, Size: 50},
		},
	}

	c, ok := ti.ContentByType(ContentData, 1)
	if !ok || c.Size != 50 {
		t.Fatalf("ContentByType(Data, 1) = %+v, ok=%v", c, ok)
	}

	if _, ok := ti.ContentByType(ContentData, 2); ok {
		t.Fatalf("expected no match for ContentData id_offset 2")
	}

	if n := ti.ContentCountByType(ContentProgram); n != 1 {
		t.Fatalf("ContentCountByType(Program) = %d, want 1", n)
	}
}

func TestApplicationMetadataByID(t *testing.T) {
	idx := New()
	src := fixedSource{titles: map[StorageID][]TitleInfo{
		StorageSdCard: {
			{
				Storage: StorageSdCard,
				MetaKey: MetaKey{ID: testAppID, Type: MetaApplication},
				AppMetadata: &ApplicationMetadata{
					TitleID:  testAppID,
					Language: "en",
					Name:     "Test Game",
				},
			},
		},
	}}
	if err := idx.Rebuild(context.Background(), src, StorageSdCard); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	meta, err := idx.ApplicationMetadataByID(testAppID)
	if err != nil {
		t.Fatalf("ApplicationMetadataByID: %v", err)
	}
	if meta.Name != "Test Game" {
		t.Fatalf("Name = %q, want %q", meta.Name, "Test Game")
	}

	if _, err := idx.ApplicationMetadataByID(testAppID + 1); err == nil {
		t.Fatalf("expected an error for an unknown title ID")
	}
}
