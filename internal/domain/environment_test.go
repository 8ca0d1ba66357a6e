package domain

import "testing"

func TestParseEnvironmentKey(t *testing.T) {
	tests := []struct {
		raw     string
		want    EnvironmentKey
		wantErr bool
	}{
		{raw: "acme/widgets#42", want: EnvironmentKey{Repository: "acme/widgets", PRNumber: 42}},
		{raw: "acme/widgets#1", want: EnvironmentKey{Repository: "acme/widgets", PRNumber: 1}},
		{raw: "acme/widgets", wantErr: true},
		{raw: "acme/widgets#", wantErr: true},
		{raw: "acme/widgets#zero", wantErr: true},
		{raw: "acme/widgets#0", wantErr: true},
		{raw: "acme/widgets#-3", wantErr: true},
		{raw: "widgets#42", wantErr: true},
		{raw: "#42", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseEnvironmentKey(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseEnvironmentKey(%q) expected error, got %+v", tc.raw, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseEnvironmentKey(%q) error = %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseEnvironmentKey(%q) = %+v, want %+v", tc.raw, got, tc.want)
		}
	}
}

func TestKeyStringRoundTrip(t *testing.T) {
	key := EnvironmentKey{Repository: "acme/widgets", PRNumber: 42}
	got, err := ParseEnvironmentKey(key.String())
	if err != nil {
		t.Fatalf("ParseEnvironmentKey(%q) error = %v", key.String(), err)
	}
	if got != key {
		t.Errorf("round trip = %+v, want %+v", got, key)
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusPending:    false,
		StatusRunning:    false,
		StatusStopped:    false,
		StatusFailed:     false,
		StatusTerminated: true,
		StatusDestroyed:  true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestLiveHost(t *testing.T) {
	var nilEnv *Environment
	if nilEnv.LiveHost() {
		t.Error("nil environment reported a live host")
	}
	if (&Environment{Status: StatusRunning}).LiveHost() {
		t.Error("environment without host ref reported a live host")
	}
	if (&Environment{Status: StatusTerminated, HostRef: "host-1"}).LiveHost() {
		t.Error("terminated environment reported a live host")
	}
	if !(&Environment{Status: StatusStopped, HostRef: "host-1"}).LiveHost() {
		t.Error("stopped environment with host ref should be live")
	}
}
