package cdr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipproxy/sipproxy/internal/proxycore"
)

func openTestSink(t *testing.T) Sink {
	t.Helper()
	sink, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })
	return sink
}

func TestPostCDRPersistsARecordCountableByKind(t *testing.T) {
	sink := openTestSink(t)

	sink.PostCDR(proxycore.CDRStart, proxycore.SideNetwork, proxycore.ReasonProxyUAS, "call-1", []byte("INVITE sip:b@example.com"))

	counts, err := sink.CountByKind(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[proxycore.CDRStart.String()])
}

func TestCountByKindGroupsMultipleKindsSeparately(t *testing.T) {
	sink := openTestSink(t)

	sink.PostCDR(proxycore.CDRStart, proxycore.SideNetwork, proxycore.ReasonProxyUAS, "call-1", nil)
	sink.PostCDR(proxycore.CDRStart, proxycore.SideNetwork, proxycore.ReasonProxyUAS, "call-2", nil)
	sink.PostCDR(proxycore.CDRStop, proxycore.SideApplication, proxycore.ReasonNormalRelease, "call-1", nil)

	counts, err := sink.CountByKind(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[proxycore.CDRStart.String()])
	assert.Equal(t, int64(1), counts[proxycore.CDRStop.String()])
}

func TestCountByKindReturnsEmptyMapWhenNoRecords(t *testing.T) {
	sink := openTestSink(t)

	counts, err := sink.CountByKind(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestCloseReleasesTheUnderlyingHandle(t *testing.T) {
	sink, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	assert.NoError(t, sink.Close())
}
