package inputchannel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

func TestChannelAskWithoutConsumerFailsSynchronously(t *testing.T) {
	ch := New()
	_, err := ch.Ask(context.Background(), NewFreeTextRequest("continue?", "last"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeConfiguration))
}

func TestChannelAskRoundTrip(t *testing.T) {
	ch := New()
	ch.Install()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		req, respond, err := ch.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, KindPermission, req.Kind)
		respond(Response{RequestID: req.ID, Kind: RespPermissionGranted})
	}()

	resp, err := ch.Ask(context.Background(), NewPermissionRequest("dangerous", "run rm", nil, nil))
	require.NoError(t, err)
	assert.True(t, resp.IsPermissionGranted())
}

func TestChannelAskHonorsCancellation(t *testing.T) {
	ch := New()
	ch.Install()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ch.Ask(ctx, NewSimpleRequest("continue?", nil, false, "clarification"))
	require.Error(t, err)
}
