package permanent

import (
	"errors"
	"fmt"
	"testing"
)

func TestMarkAndIs(t *testing.T) {
	t.Parallel()

	cause := errors.New("region_ids are required")
	marked := Mark(cause)
	if !Is(marked) {
		t.Fatalf("marked error must be permanent")
	}
	if !errors.Is(marked, cause) {
		t.Fatalf("marked error must unwrap to cause")
	}
	if !Is(fmt.Errorf("transition[2]: %w", marked)) {
		t.Fatalf("wrapped marker must be detected")
	}
	if Is(cause) || Is(nil) {
		t.Fatalf("plain and nil errors are transient")
	}
	if Mark(nil) != nil {
		t.Fatalf("Mark(nil) must stay nil")
	}
	if Mark(marked) != marked {
		t.Fatalf("Mark must not double wrap")
	}
}

func TestErrorf(t *testing.T) {
	t.Parallel()

	cause := errors.New("bad json")
	err := Errorf("decode display job: %w", cause)
	if !Is(err) || !errors.Is(err, cause) {
		t.Fatalf("Errorf must keep marker and cause, got %v", err)
	}
}
