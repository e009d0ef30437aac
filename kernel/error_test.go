package kernel

import "testing"

func TestKernelError(t *testing.T) {
	err := &Error{
		Module:  "pmm",
		Message: "out of memory",
	}

	if err.Error() != err.Message {
		t.Fatalf("expected to err.Error() to return %q; got %q", err.Message, err.Error())
	}

	other := &Error{Module: "pmm", Message: "out of memory"}
	if error(err) == error(other) {
		t.Fatal("expected distinct errors with the same message to compare unequal")
	}
}
