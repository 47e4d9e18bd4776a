package client

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubmitFSM_HappyPath(t *testing.T) {
	f := NewSubmitFSM()
	require.Equal(t, SubmitIdle, f.State())

	require.NoError(t, f.Select(2))
	require.Equal(t, SubmitSelected, f.State())

	optionID, err := f.Begin()
	require.NoError(t, err)
	require.Equal(t, int64(2), optionID)
	require.Equal(t, SubmitInFlight, f.State())

	require.True(t, f.Confirm())
	require.Equal(t, SubmitConfirmed, f.State())
	require.Zero(t, f.OptionID(), "selection state is destroyed on acknowledgement")
}

func TestSubmitFSM_BeginRequiresSelection(t *testing.T) {
	f := NewSubmitFSM()
	_, err := f.Begin()
	require.ErrorIs(t, err, ErrNoSelection)
}

func TestSubmitFSM_NoReselectWhileInFlight(t *testing.T) {
	f := NewSubmitFSM()
	require.NoError(t, f.Select(1))
	_, err := f.Begin()
	require.NoError(t, err)

	require.ErrorIs(t, f.Select(2), ErrSubmitPending)
	_, err = f.Begin()
	require.ErrorIs(t, err, ErrSubmitPending)
}

func TestSubmitFSM_RejectionReturnsToSelected(t *testing.T) {
	f := NewSubmitFSM()
	require.NoError(t, f.Select(1))
	_, err := f.Begin()
	require.NoError(t, err)

	rejection := &ProtocolError{Message: "you already voted"}
	require.True(t, f.Fail(rejection))

	require.Equal(t, SubmitSelected, f.State())
	require.Equal(t, int64(1), f.OptionID(), "selection survives a rejection")
	require.ErrorIs(t, f.Err(), error(rejection))
}

func TestSubmitFSM_DropWhileInFlightNeverConfirms(t *testing.T) {
	f := NewSubmitFSM()
	require.NoError(t, f.Select(1))
	_, err := f.Begin()
	require.NoError(t, err)

	require.True(t, f.Fail(ErrChannelDropped))
	require.Equal(t, SubmitSelected, f.State())
	require.ErrorIs(t, f.Err(), ErrChannelDropped)

	// The lost outcome must not be upgraded to a confirmation afterwards.
	require.False(t, f.Confirm())
	require.Equal(t, SubmitSelected, f.State())
}

func TestSubmitFSM_FailOutsideInFlightIsNoOp(t *testing.T) {
	f := NewSubmitFSM()
	require.False(t, f.Fail(errors.New("late exception")))
	require.Equal(t, SubmitIdle, f.State())
	require.NoError(t, f.Err())
}

func TestSubmitFSM_ResetDiscardsEverything(t *testing.T) {
	f := NewSubmitFSM()
	require.NoError(t, f.Select(1))
	_, err := f.Begin()
	require.NoError(t, err)

	f.Reset()
	require.Equal(t, SubmitIdle, f.State())
	require.Zero(t, f.OptionID())
	require.NoError(t, f.Err())
}

func TestSubmitFSM_ReselectAfterConfirm(t *testing.T) {
	f := NewSubmitFSM()
	require.NoError(t, f.Select(1))
	_, _ = f.Begin()
	f.Confirm()

	require.NoError(t, f.Select(2))
	require.Equal(t, SubmitSelected, f.State())
	require.Equal(t, int64(2), f.OptionID())
}
