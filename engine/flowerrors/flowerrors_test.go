package flowerrors_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowspec/flowspec/engine/flowerrors"
)

func TestErrorFormatting(t *testing.T) {
	err := flowerrors.Newf(flowerrors.CodeInvalidOutcome, "outcome %q not declared", "NOPE")
	require.EqualError(t, err, `INVALID_OUTCOME: outcome "NOPE" not declared`)
	require.Equal(t, flowerrors.CodeInvalidOutcome, flowerrors.CodeOf(err))
}

func TestWrapPreservesCause(t *testing.T) {
	sentinel := errors.New("row already stamped")
	err := flowerrors.Wrap(flowerrors.CodeOutcomeAlreadyRecorded, sentinel, "outcome is final")
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, flowerrors.CodeOutcomeAlreadyRecorded, flowerrors.CodeOf(err))

	var fe *flowerrors.Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "outcome is final", fe.Message)
}

func TestCodeOfUnwrapsThroughChains(t *testing.T) {
	inner := flowerrors.New(flowerrors.CodeDetourSpoof, "resolution requires the detour id")
	outer := fmt.Errorf("record outcome: %w", inner)
	require.Equal(t, flowerrors.CodeDetourSpoof, flowerrors.CodeOf(outer))
	require.True(t, flowerrors.HasCode(outer, flowerrors.CodeDetourSpoof))
	require.False(t, flowerrors.HasCode(outer, flowerrors.CodeDetourHijack))
}

func TestIsMatchesOnCode(t *testing.T) {
	err := flowerrors.New(flowerrors.CodeFlowBlocked, "flow is blocked")
	require.ErrorIs(t, err, flowerrors.New(flowerrors.CodeFlowBlocked, ""))
	require.NotErrorIs(t, err, flowerrors.New(flowerrors.CodeFlowNotFound, ""))
}

func TestWithDetail(t *testing.T) {
	err := flowerrors.New(flowerrors.CodeTaskAlreadyStarted, "task has an open execution").
		WithDetail("executionId", "000000000004")
	require.Equal(t, "000000000004", err.Details["executionId"])
	require.Equal(t, flowerrors.Code(""), flowerrors.CodeOf(errors.New("plain")))
}
