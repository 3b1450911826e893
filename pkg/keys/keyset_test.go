package keys

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/falk/nxcore/pkg/coreerr"
	"github.com/falk/nxcore/pkg/crypto"
)

func writeKeyFile(t *testing.T, entries map[string][]byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "prod.keys")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create key file: %v", err)
	}
	defer f.Close()
	for name, val := range entries {
		if _, err := f.WriteString(name + " = " + hex.EncodeToString(val) + "\n"); err != nil {
			t.Fatalf("write key file: %v", err)
		}
	}
	return path
}

func TestKeySetMissingKeyIsDetected(t *testing.T) {
	t.Parallel()

	ks := New()
	if _, err := ks.HeaderKey(); !coreerr.IsKind(err, coreerr.KindKeyMissing) {
		t.Fatalf("expected KindKeyMissing, got %v", err)
	}
	if _, err := ks.GetTitlekek(0); !coreerr.IsKind(err, coreerr.KindKeyMissing) {
		t.Fatalf("expected KindKeyMissing, got %v", err)
	}
}

func TestKeySetDerivesKAEKAndTitlekek(t *testing.T) {
	t.Parallel()

	masterKey := make([]byte, 16)
	for i := range masterKey {
		masterKey[i] = byte(i)
	}
	kekGen := make([]byte, 16)
	for i := range kekGen {
		kekGen[i] = byte(0x10 + i)
	}
	keyGen := make([]byte, 16)
	for i := range keyGen {
		keyGen[i] = byte(0x20 + i)
	}
	appSource := make([]byte, 16)
	for i := range appSource {
		appSource[i] = byte(0x30 + i)
	}
	titlekekSource := make([]byte, 16)
	for i := range titlekekSource {
		titlekekSource[i] = byte(0x40 + i)
	}

	path := writeKeyFile(t, map[string][]byte{
		"aes_kek_generation_source":       kekGen,
		"aes_key_generation_source":       keyGen,
		"titlekek_source":                 titlekekSource,
		"key_area_key_application_source": appSource,
		"master_key_00":                   masterKey,
	})

	ks := New()
	if err := ks.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	kaek, err := ks.GetKAEK(KAEKApplication, 0)
	if err != nil {
		t.Fatalf("GetKAEK: %v", err)
	}

	wantKek, _ := crypto.ECBDecrypt(kekGen, masterKey)
	wantSrcKek, _ := crypto.ECBDecrypt(appSource, wantKek)
	wantKak, _ := crypto.ECBDecrypt(keyGen, wantSrcKek)
	if hex.EncodeToString(kaek) != hex.EncodeToString(wantKak) {
		t.Fatalf("KAEK mismatch: got %x want %x", kaek, wantKak)
	}

	tk, err := ks.GetTitlekek(0)
	if err != nil {
		t.Fatalf("GetTitlekek: %v", err)
	}
	wantTk, _ := crypto.ECBDecrypt(titlekekSource, masterKey)
	if hex.EncodeToString(tk) != hex.EncodeToString(wantTk) {
		t.Fatalf("titlekek mismatch")
	}

	// Generation 1 was never supplied a master key, so it must still be
	// reported missing rather than silently returning zeroes (spec §3
	// KeySet invariant).
	if _, err := ks.GetTitlekek(1); !coreerr.IsKind(err, coreerr.KindKeyMissing) {
		t.Fatalf("expected KindKeyMissing for undeived generation, got %v", err)
	}
}

func TestDecryptNcaKeyArea(t *testing.T) {
	t.Parallel()

	masterKey := make([]byte, 16)
	kekGen := make([]byte, 16)
	keyGen := make([]byte, 16)
	appSource := make([]byte, 16)
	for i := range masterKey {
		masterKey[i] = byte(i + 1)
		kekGen[i] = byte(i + 2)
		keyGen[i] = byte(i + 3)
		appSource[i] = byte(i + 4)
	}

	path := writeKeyFile(t, map[string][]byte{
		"aes_kek_generation_source":       kekGen,
		"aes_key_generation_source":       keyGen,
		"key_area_key_application_source": appSource,
		"master_key_00":                   masterKey,
	})

	ks := New()
	if err := ks.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	kaek, err := ks.GetKAEK(KAEKApplication, 0)
	if err != nil {
		t.Fatalf("GetKAEK: %v", err)
	}

	plainKeyArea := make([]byte, 0x40)
	for i := range plainKeyArea {
		plainKeyArea[i] = byte(i)
	}
	encKeyArea, err := crypto.ECBEncrypt(plainKeyArea, kaek)
	if err != nil {
		t.Fatalf("ECBEncrypt: %v", err)
	}

	keys, err := ks.DecryptNcaKeyArea(KAEKApplication, 0, encKeyArea)
	if err != nil {
		t.Fatalf("DecryptNcaKeyArea: %v", err)
	}
	for i := 0; i < 4; i++ {
		want := plainKeyArea[i*0x10 : (i+1)*0x10]
		if hex.EncodeToString(keys[i]) != hex.EncodeToString(want) {
			t.Fatalf("key slot %d mismatch: got %x want %x", i, keys[i], want)
		}
	}
}
