package marketdata

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStaticProviderContext(t *testing.T) {
	provider := NewStaticProvider([]Rate{
		{Crop: "Maize", Summary: "stable supply at 45 KES/kg"},
		{Crop: "beans", Summary: "firm around 120 KES/kg"},
		{Crop: "", Summary: "ignored"},
		{Crop: "tomatoes", Summary: ""},
	})

	if got := provider.Context("maize"); got != "stable supply at 45 KES/kg" {
		t.Fatalf("unexpected context: %s", got)
	}
	// 大小写与空白不敏感。
	if got := provider.Context("  MAIZE "); got != "stable supply at 45 KES/kg" {
		t.Fatalf("unexpected context: %s", got)
	}
	// 未收录或被忽略的条目返回默认提示。
	if got := provider.Context("tomatoes"); got != "No recent data" {
		t.Fatalf("unexpected default context: %s", got)
	}
	if got := provider.Context("avocado"); got != "No recent data" {
		t.Fatalf("unexpected default context: %s", got)
	}
}

func TestLoadStaticProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marketdata.json")
	content := `[{"crop":"maize","summary":"wholesale 45 KES/kg"}]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	provider, err := LoadStaticProvider(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := provider.Context("maize"); got != "wholesale 45 KES/kg" {
		t.Fatalf("unexpected context: %s", got)
	}

	if _, err := LoadStaticProvider(""); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := LoadStaticProvider(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
