package faults_test

import (
	"errors"
	"strings"
	"testing"

	"facet/internal/faults"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := faults.Wrap(faults.ErrDetectorUnavailable, "ingest", "detect", "request failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, faults.ErrDetectorUnavailable) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"ingest", "detect", "request failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapNilMarkerDefaultsToStorage(t *testing.T) {
	err := faults.Wrap(nil, "catalog", "commit", "tx failed", errors.New("db"))
	if !errors.Is(err, faults.ErrStorage) {
		t.Fatalf("expected storage marker, got %v", err)
	}
}

func TestFatalOnlyForStorage(t *testing.T) {
	storageErr := faults.Wrap(faults.ErrStorage, "catalog", "insert", "write failed", errors.New("disk"))
	if !faults.Fatal(storageErr) {
		t.Fatal("expected storage error to be fatal")
	}

	for _, marker := range []error{
		faults.ErrIdentityConflict,
		faults.ErrNearDuplicate,
		faults.ErrDetectorUnavailable,
		faults.ErrPredictorUnavailable,
		faults.ErrCorruptItem,
		faults.ErrResumeMismatch,
		faults.ErrValidation,
		faults.ErrNotFound,
	} {
		err := faults.Wrap(marker, "ingest", "process", "item failed", nil)
		if faults.Fatal(err) {
			t.Fatalf("expected %v to be non-fatal", marker)
		}
	}

	if faults.Fatal(nil) {
		t.Fatal("expected nil to be non-fatal")
	}
}

func TestCodeOf(t *testing.T) {
	cases := []struct {
		marker error
		want   string
	}{
		{faults.ErrIdentityConflict, "identity_conflict"},
		{faults.ErrNearDuplicate, "near_duplicate"},
		{faults.ErrDetectorUnavailable, "detector_unavailable"},
		{faults.ErrPredictorUnavailable, "predictor_unavailable"},
		{faults.ErrCorruptItem, "corrupt_item"},
		{faults.ErrStorage, "storage"},
		{faults.ErrResumeMismatch, "resume_mismatch"},
		{faults.ErrValidation, "validation"},
		{faults.ErrNotFound, "not_found"},
		{errors.New("anything else"), "unknown"},
	}
	for _, tc := range cases {
		err := faults.Wrap(tc.marker, "component", "op", "msg", nil)
		if tc.want == "unknown" {
			err = tc.marker
		}
		if got := faults.CodeOf(err); got != tc.want {
			t.Fatalf("CodeOf(%v) = %q, want %q", tc.marker, got, tc.want)
		}
	}
}

func TestDetailsStripsMarkerPrefix(t *testing.T) {
	err := faults.Wrap(faults.ErrNearDuplicate, "identity", "classify", "distance 3", nil)
	detail := faults.Details(err)
	if detail.Code != "near_duplicate" {
		t.Fatalf("unexpected code %q", detail.Code)
	}
	if detail.Message != "identity: classify: distance 3" {
		t.Fatalf("unexpected message %q", detail.Message)
	}

	nilDetail := faults.Details(nil)
	if nilDetail.Code != "unknown" || nilDetail.Message != "" {
		t.Fatalf("unexpected nil detail %+v", nilDetail)
	}
}
