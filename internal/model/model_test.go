package model

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to VideoStatus
		want     bool
	}{
		{VideoUploaded, VideoUploaded, true},
		{VideoUploaded, VideoProcessed, true},
		{VideoUploaded, VideoProcessingFailed, true},
		{VideoProcessed, VideoProcessed, true},
		{VideoProcessed, VideoUploaded, false},
		{VideoProcessingFailed, VideoUploaded, false},
		{VideoProcessed, VideoProcessingFailed, false},
		{VideoProcessingFailed, VideoProcessed, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestAllowedPreviousMatchesCanTransition(t *testing.T) {
	all := []VideoStatus{VideoUploaded, VideoProcessed, VideoProcessingFailed}
	for _, to := range all {
		allowed := map[VideoStatus]bool{}
		for _, s := range AllowedPrevious(to) {
			allowed[s] = true
		}
		for _, from := range all {
			if allowed[from] != CanTransition(from, to) {
				t.Errorf("AllowedPrevious(%s) disagrees with CanTransition for %s", to, from)
			}
		}
	}
}

func TestStatusValid(t *testing.T) {
	if VideoStatus("processing").Valid() {
		t.Fatal("processing must not be a persisted status")
	}
	if !VideoProcessingFailed.Valid() {
		t.Fatal("processing_failed should be valid")
	}
}
