package qnode

import "testing"

func TestEventKindString(t *testing.T) {
	tests := []struct {
		kind EventKind
		want string
	}{
		{DataReady, "DataReady"},
		{Flush, "Flush"},
		{Finish, "Finish"},
		{EventKind(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("EventKind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestListenerFuncAdapter(t *testing.T) {
	var got Event
	var l Listener = ListenerFunc(func(ev Event) { got = ev })
	want := Event{Kind: Finish, Storage: "worker@orders"}
	l.Notify(want)
	if got != want {
		t.Errorf("ListenerFunc delivered %+v, want %+v", got, want)
	}
}
