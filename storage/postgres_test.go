package storage

import (
	"errors"
	"testing"
)

func TestIsAlreadyExists(t *testing.T) {
	if !isAlreadyExists(errors.New(`relation "predictions" already exists`)) {
		t.Fatal("expected already-exists error to be recognized")
	}
	if isAlreadyExists(errors.New("connection refused")) {
		t.Fatal("expected unrelated error not to match")
	}
}
