package scrape

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, IsTerminal(StatusCompleted))
	require.True(t, IsTerminal(StatusFailed))
	require.True(t, IsTerminal(StatusExpired))

	for _, s := range []Status{StatusQueued, StatusSubmitted, StatusProcessing} {
		require.False(t, IsTerminal(s), "IsTerminal(%s)", s)
	}
}

func TestIsTransitionAllowedForward(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from Status
		to   Status
	}{
		{StatusQueued, StatusSubmitted},
		{StatusQueued, StatusFailed},
		{StatusSubmitted, StatusProcessing},
		{StatusSubmitted, StatusCompleted},
		{StatusSubmitted, StatusFailed},
		{StatusSubmitted, StatusExpired},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusFailed},
		{StatusProcessing, StatusExpired},
	}
	for _, c := range cases {
		require.True(t, IsTransitionAllowed(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestIsTransitionAllowedNeverBackward(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from Status
		to   Status
	}{
		{StatusSubmitted, StatusQueued},
		{StatusProcessing, StatusSubmitted},
		{StatusProcessing, StatusQueued},
		{StatusQueued, StatusProcessing}, // provider work cannot start before acknowledgement
		{StatusQueued, StatusCompleted},
		{StatusQueued, StatusExpired},
	}
	for _, c := range cases {
		require.False(t, IsTransitionAllowed(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	t.Parallel()

	all := []Status{
		StatusQueued, StatusSubmitted, StatusProcessing,
		StatusCompleted, StatusFailed, StatusExpired,
	}
	for _, from := range []Status{StatusCompleted, StatusFailed, StatusExpired} {
		for _, to := range all {
			require.False(t, IsTransitionAllowed(from, to), "%s -> %s", from, to)
		}
	}
}

func TestSelfTransitionsForbidden(t *testing.T) {
	t.Parallel()

	for _, s := range []Status{
		StatusQueued, StatusSubmitted, StatusProcessing,
		StatusCompleted, StatusFailed, StatusExpired,
	} {
		require.False(t, IsTransitionAllowed(s, s))
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"queued", "submitted", "processing", "completed", "failed", "expired"} {
		got, err := ParseStatus(s)
		require.NoError(t, err)
		require.Equal(t, Status(s), got)
	}

	_, err := ParseStatus("canceled")
	require.Error(t, err)
	_, err = ParseStatus("")
	require.Error(t, err)
}

func TestMapProviderStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Status
		ok   bool
	}{
		{"SUCCESS", StatusCompleted, true},
		{"success", StatusCompleted, true},
		{"Completed", StatusCompleted, true},
		{"FAILED", StatusFailed, true},
		{"failure", StatusFailed, true},
		{"ERROR", StatusFailed, true},
		{"RUNNING", StatusProcessing, true},
		{"in_progress", StatusProcessing, true},
		{" SUCCESS ", StatusCompleted, true},
		{"banana", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, ok := MapProviderStatus(c.in)
		require.Equal(t, c.ok, ok, "input %q", c.in)
		require.Equal(t, c.want, got, "input %q", c.in)
	}
}

func TestPreferredLocation(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a", PreferredLocation("a", "b"))
	require.Equal(t, "b", PreferredLocation("", "b", "c"))
	require.Equal(t, "c", PreferredLocation("", "", "c"))
	require.Equal(t, "", PreferredLocation("", "", ""))
	require.Equal(t, "", PreferredLocation())
}
