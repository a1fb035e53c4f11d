package geo

import (
	"path/filepath"
	"testing"
)

func TestNilResolverIsNoop(t *testing.T) {
	var r *Resolver
	if got := r.Lookup("8.8.8.8"); got != nil {
		t.Errorf("nil resolver Lookup = %v, want nil", got)
	}
	if err := r.Close(); err != nil {
		t.Errorf("nil resolver Close = %v, want nil", err)
	}
}

func TestOpenMissingDatabase(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing.mmdb")); err == nil {
		t.Fatal("expected error for missing database")
	}
}

func TestLookupInvalidIP(t *testing.T) {
	// A resolver with no reader behaves like a closed database.
	r := &Resolver{}
	if got := r.Lookup("not-an-ip"); got != nil {
		t.Errorf("Lookup(invalid) = %v, want nil", got)
	}
	if got := r.Lookup("10.0.0.1"); got != nil {
		t.Errorf("Lookup on closed resolver = %v, want nil", got)
	}
}
