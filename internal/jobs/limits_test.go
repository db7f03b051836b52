package jobs

import (
	"errors"
	"testing"
	"time"
)

func TestLimitsNormalize(t *testing.T) {
	t.Parallel()

	got := ResourceLimits{TimeoutSeconds: 5, AllowNetwork: true}.Normalize(DefaultLimits())
	want := ResourceLimits{
		TimeoutSeconds: 5,
		MaxMemoryMB:    DefaultMaxMemoryMB,
		MaxOutputLines: DefaultMaxOutputLines,
		MaxOutputBytes: DefaultMaxOutputBytes,
		AllowNetwork:   true,
	}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
	if got.Timeout() != 5*time.Second {
		t.Fatalf("timeout=%v", got.Timeout())
	}
}

func TestLimitsValidate(t *testing.T) {
	t.Parallel()

	max := DefaultMaxima()
	cases := []struct {
		name  string
		in    ResourceLimits
		field string
	}{
		{"defaults", DefaultLimits(), ""},
		{"zero", ResourceLimits{}, ""},
		{"negative timeout", ResourceLimits{TimeoutSeconds: -1}, "limits.timeout_seconds"},
		{"timeout over max", ResourceLimits{TimeoutSeconds: 301}, "limits.timeout_seconds"},
		{"memory over max", ResourceLimits{MaxMemoryMB: 1024}, "limits.max_memory_mb"},
		{"lines over max", ResourceLimits{MaxOutputLines: 10001}, "limits.max_output_lines"},
		{"bytes over max", ResourceLimits{MaxOutputBytes: 2 << 20}, "limits.max_output_bytes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.in.Validate(max)
			if tc.field == "" {
				if err != nil {
					t.Fatalf("unexpected err: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Fatalf("err=%v, want field %s", err, tc.field)
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err should wrap ErrValidation")
			}
		})
	}
}

func TestLimitsValidateNetworkDisabled(t *testing.T) {
	t.Parallel()

	max := DefaultMaxima()
	max.AllowNetwork = false
	if err := (ResourceLimits{AllowNetwork: true}).Validate(max); err == nil {
		t.Fatalf("expected network refusal")
	}
}

func TestJobCloneDetachesLastRun(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	j := Job{ID: "a", LastRun: &at}
	cp := j.Clone()
	*cp.LastRun = at.Add(time.Hour)
	if !j.LastRun.Equal(at) {
		t.Fatalf("clone shares LastRun")
	}
}
