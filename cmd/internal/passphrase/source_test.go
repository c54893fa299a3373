package passphrase

import "testing"

func TestSourceReadsEnvironmentOnce(t *testing.T) {
	t.Setenv("RENTFLOW_TEST_PASSPHRASE", "correct horse")
	source := NewSource("RENTFLOW_TEST_PASSPHRASE", "operator keystore")
	value, err := source.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value != "correct horse" {
		t.Fatalf("unexpected passphrase %q", value)
	}
	t.Setenv("RENTFLOW_TEST_PASSPHRASE", "changed")
	again, err := source.Get()
	if err != nil || again != "correct horse" {
		t.Fatalf("expected cached value, got %q (%v)", again, err)
	}
}

func TestSourceRejectsEmptyEnvironment(t *testing.T) {
	t.Setenv("RENTFLOW_TEST_PASSPHRASE", "   ")
	if _, err := NewSource("RENTFLOW_TEST_PASSPHRASE", "").GetConfirmed(); err == nil {
		t.Fatalf("expected empty passphrase to be rejected")
	}
}
