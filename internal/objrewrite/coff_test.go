package objrewrite

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func classicHeader(timestamp uint32) []byte {
	data := make([]byte, 20)
	binary.LittleEndian.PutUint16(data[0:2], 0x8664)
	binary.LittleEndian.PutUint32(data[4:8], timestamp)
	return data
}

func bigobjHeader(timestamp uint32) []byte {
	data := make([]byte, 32)
	binary.LittleEndian.PutUint16(data[0:2], 0x0000)
	binary.LittleEndian.PutUint16(data[2:4], 0xffff)
	binary.LittleEndian.PutUint16(data[4:6], 2)
	binary.LittleEndian.PutUint32(data[8:12], timestamp)
	return data
}

func TestRewriteClassicCOFFTimestamp(t *testing.T) {
	data := classicHeader(111)
	require.NoError(t, RewriteTimestamp(data, 999))
	assert.Equal(t, uint32(999), binary.LittleEndian.Uint32(data[4:8]))
}

func TestRewriteBigobjTimestamp(t *testing.T) {
	data := bigobjHeader(111)
	require.NoError(t, RewriteTimestamp(data, 999))
	assert.Equal(t, uint32(999), binary.LittleEndian.Uint32(data[8:12]))
	// version field untouched
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(data[4:6]))
}

func TestRewriteRejectsUnrecognisedData(t *testing.T) {
	err := RewriteTimestamp([]byte{0x01, 0x02}, 1)
	assert.Error(t, err)
}

func TestRewriteRejectsBadBigobjVersion(t *testing.T) {
	data := bigobjHeader(111)
	binary.LittleEndian.PutUint16(data[4:6], 9)
	err := RewriteTimestamp(data, 1)
	assert.Error(t, err)
}
