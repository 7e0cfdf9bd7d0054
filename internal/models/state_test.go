package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriStateJSON(t *testing.T) {
	tests := []struct {
		name string
		in   TriState
		want string
	}{
		{"unset", Unset, "null"},
		{"false", False, "false"},
		{"true", True, "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))

			var back TriState
			require.NoError(t, json.Unmarshal(data, &back))
			assert.Equal(t, tt.in, back)
		})
	}

	var bad TriState
	assert.Error(t, json.Unmarshal([]byte(`"yes"`), &bad))
}

func TestStateRoundTripPreservesTriStateFlags(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewConversationState("acme", "CA123", ModeBooking, now)
	s.Cursor.StepID = StepLastName
	s.Cursor.SetFlag(FlagAsked, True)
	s.Cursor.SetFlag(FlagSpelling, False)
	// FlagExplicit is deliberately never written.

	blob, err := EncodeState(s)
	require.NoError(t, err)
	back, err := DecodeState(blob)
	require.NoError(t, err)

	assert.Equal(t, True, back.Cursor.Flag(FlagAsked))
	assert.Equal(t, False, back.Cursor.Flag(FlagSpelling))
	assert.Equal(t, Unset, back.Cursor.Flag(FlagExplicit))
	_, present := back.Cursor.Flags[FlagExplicit]
	assert.False(t, present, "absent flag must stay absent after a round trip")

	// A second round trip must not drift either.
	blob2, err := EncodeState(back)
	require.NoError(t, err)
	again, err := DecodeState(blob2)
	require.NoError(t, err)
	assert.Equal(t, back.Cursor.Flags, again.Cursor.Flags)
	assert.JSONEq(t, string(blob), string(blob2))
}

func TestStateRoundTripWithNoFlags(t *testing.T) {
	s := NewConversationState("acme", "CA1", ModeDiscovery, time.Now().UTC())
	blob, err := EncodeState(s)
	require.NoError(t, err)
	back, err := DecodeState(blob)
	require.NoError(t, err)
	assert.Nil(t, back.Cursor.Flags)
	assert.Equal(t, Unset, back.Cursor.Flag(FlagAsked))
}

func TestDecodeStateDropsNullFlags(t *testing.T) {
	blob := []byte(`{"v":1,"sessionId":"s","tenantId":"t","mode":"booking","turnCount":2,
		"bookingCursor":{"stepId":"lastName","flags":{"asked":null,"spelling":false}},
		"createdAt":"2026-01-01T00:00:00Z","updatedAt":"2026-01-01T00:00:00Z"}`)
	s, err := DecodeState(blob)
	require.NoError(t, err)
	_, present := s.Cursor.Flags[FlagAsked]
	assert.False(t, present)
	assert.Equal(t, False, s.Cursor.Flag(FlagSpelling))
}

func TestDecodeStateRejectsBadInput(t *testing.T) {
	_, err := DecodeState([]byte(`{"v":99,"mode":"discovery"}`))
	assert.Error(t, err)
	_, err = DecodeState([]byte(`{"v":1,"mode":"nonsense"}`))
	assert.Error(t, err)
	_, err = DecodeState([]byte(`not json`))
	assert.Error(t, err)
}

func TestSetFlagUnsetDeletes(t *testing.T) {
	var c BookingCursor
	c.SetFlag(FlagAsked, True)
	c.SetFlag(FlagAsked, Unset)
	_, present := c.Flags[FlagAsked]
	assert.False(t, present)
}

func TestCloneIsDeep(t *testing.T) {
	s := NewConversationState("t", "s", ModeBooking, time.Now())
	s.SetSlot(SlotName, SlotValue{Value: "Mark"})
	s.Cursor.SetFlag(FlagAsked, True)

	c := s.Clone()
	c.SetSlot(SlotName, SlotValue{Value: "Other"})
	c.Cursor.SetFlag(FlagAsked, False)

	v, _ := s.Slot(SlotName)
	assert.Equal(t, "Mark", v.Value)
	assert.Equal(t, True, s.Cursor.Flag(FlagAsked))
}

func TestTriageActionText(t *testing.T) {
	for a := TriageRouteToScenarios; a < TriageActionCount; a++ {
		text, err := a.MarshalText()
		require.NoError(t, err)
		var back TriageAction
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, a, back)
	}
	var a TriageAction
	assert.Error(t, a.UnmarshalText([]byte("unknown")))
	assert.Error(t, a.UnmarshalText([]byte("reboot")))
}

func TestTurnErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := &TurnError{Kind: ErrStatePersistence, SessionID: "s1", Op: "save", Err: cause}
	assert.ErrorIs(t, err, ErrStatePersistence)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "state-persistence-failure", FailureKind(err))
	assert.Contains(t, err.Error(), "s1")
}

func TestTurnRequestValidate(t *testing.T) {
	assert.ErrorIs(t, TurnRequest{SessionID: "s"}.Validate(), ErrEmptyTenant)
	assert.ErrorIs(t, TurnRequest{TenantID: "t"}.Validate(), ErrEmptySession)
	assert.NoError(t, TurnRequest{TenantID: "t", SessionID: "s"}.Validate())
}

func TestStepDefaults(t *testing.T) {
	d := BookingStepDefinition{ID: StepName, SpellingPrompt: "spell it"}.WithDefaults()
	assert.Equal(t, DefaultAcceptThreshold, d.AcceptThreshold)
	assert.Equal(t, DefaultMaxAttempts, d.MaxAttempts)
	assert.Equal(t, DefaultSpellingThreshold, d.SpellingThreshold)
	assert.True(t, d.AllowsFlag(FlagAsked))
	assert.True(t, d.AllowsFlag(FlagSpelling))

	noSpell := BookingStepDefinition{ID: StepPhone}.WithDefaults()
	assert.Equal(t, 0, noSpell.SpellingThreshold)
	assert.False(t, noSpell.AllowsFlag(FlagSpelling))
}
