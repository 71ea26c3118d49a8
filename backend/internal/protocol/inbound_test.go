package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paramsync/backend/internal/params"
)

func decodeClient(t *testing.T, raw string) (Inbound, error) {
	t.Helper()
	var m ClientMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m.Decode()
}

func TestDecodeProposeWrite(t *testing.T) {
	in, err := decodeClient(t, `{"type":"proposeWrite","param":"mu","value":0.6}`)
	require.NoError(t, err)
	assert.Equal(t, ProposeWrite{Writes: []Write{{Param: params.Mu, Value: 0.6}}}, in)

	in, err = decodeClient(t, `{"type":"proposeWrite","params":{"omega":1.1,"kappa":0.02}}`)
	require.NoError(t, err)
	assert.Equal(t, ProposeWrite{Writes: []Write{
		{Param: params.Kappa, Value: 0.02},
		{Param: params.Omega, Value: 1.1},
	}}, in)

	_, err = decodeClient(t, `{"type":"proposeWrite","param":"mu"}`)
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = decodeClient(t, `{"type":"proposeWrite"}`)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeResolve(t *testing.T) {
	in, err := decodeClient(t, `{"type":"resolve","param":"mu","value":0.61,"strategy":"average"}`)
	require.NoError(t, err)
	assert.Equal(t, Resolve{Param: params.Mu, Value: 0.61, Strategy: StrategyAverage}, in)

	_, err = decodeClient(t, `{"type":"resolve","param":"mu","value":0.61,"strategy":"coinflip"}`)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeOthers(t *testing.T) {
	in, err := decodeClient(t, `{"type":"resync","lastSeenSeq":12}`)
	require.NoError(t, err)
	assert.Equal(t, Resync{LastSeenSeq: 12}, in)

	in, err = decodeClient(t, `{"type":"auth","token":"t","displayName":"Ann","color":"#fff"}`)
	require.NoError(t, err)
	assert.Equal(t, Auth{Token: "t", DisplayName: "Ann", Color: "#fff"}, in)

	in, err = decodeClient(t, `{"type":"ping"}`)
	require.NoError(t, err)
	assert.Equal(t, Ping{}, in)

	_, err = decodeClient(t, `{"type":"shout"}`)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeServer(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	raw, err := json.Marshal(ParamUpdateMessage{Type: TypeParamUpdate, Seq: 7, Timestamp: ts, UserID: "u1", Param: "mu", Params: params.Default()})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"timestamp":"2024-01-02T03:04:05Z"`)

	out, err := DecodeServer(raw)
	require.NoError(t, err)
	pu, ok := out.(ParamUpdateMessage)
	require.True(t, ok)
	assert.Equal(t, uint64(7), pu.SeqNumber())
	assert.Equal(t, "u1", pu.UserID)

	out, err = DecodeServer([]byte(`{"type":"conflict","param":"mu","proposerAValue":0.6,"proposerBValue":0.62}`))
	require.NoError(t, err)
	_, sequenced := out.(Sequenced)
	assert.False(t, sequenced, "conflict does not carry seq")

	_, err = DecodeServer([]byte(`{"type":"nope"}`))
	assert.ErrorIs(t, err, ErrUnknownType)
	_, err = DecodeServer([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)
}
