package crcentry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func uint64p(v uint64) *uint64 { return &v }

func TestComputeCRCAndValidate(t *testing.T) {
	e := Entry{ID: 1, Op: OpSet, Key: "test_key", Value: "test_value"}
	require.Nil(t, e.CRC)

	crc := ComputeCRC(e)
	e.CRC = &crc
	require.True(t, Validate(e))

	e.Value = "modified_value"
	require.False(t, Validate(e))

	newCRC := ComputeCRC(e)
	require.NotEqual(t, crc, newCRC)
	e.CRC = &newCRC
	require.True(t, Validate(e))
}

func TestValidateRequiresCRC(t *testing.T) {
	e := Entry{ID: 1, Op: OpSet, Key: "k", Value: "v"}
	require.False(t, Validate(e))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	v := uint64p(3)
	e := Entry{ID: 42, Op: OpSet, Key: "a", Value: float64(7), Version: v}
	crc := ComputeCRC(e)
	e.CRC = &crc

	line := Encode(e)
	require.Equal(t, byte('\n'), line[len(line)-1])

	got, err := Decode(line)
	require.NoError(t, err)
	require.Equal(t, e.ID, got.ID)
	require.Equal(t, e.Op, got.Op)
	require.Equal(t, e.Key, got.Key)
	require.Equal(t, e.Value, got.Value)
	require.Equal(t, *e.Version, *got.Version)
	require.Equal(t, *e.CRC, *got.CRC)
	require.True(t, Validate(got))
}

func TestDecodeRejectsEmptyKey(t *testing.T) {
	_, err := Decode([]byte(`{"id":1,"op":"SET","key":"","value":"v"}`))
	require.Error(t, err)
}

func TestDecodeRejectsUnknownOp(t *testing.T) {
	_, err := Decode([]byte(`{"id":1,"op":"FROB","key":"k","value":"v"}`))
	require.Error(t, err)
}

func TestDecodeToleratesMissingCRC(t *testing.T) {
	got, err := Decode([]byte(`{"id":1,"op":"SET","key":"k","value":"v"}`))
	require.NoError(t, err)
	require.Nil(t, got.CRC)
	require.False(t, Validate(got))
}

func TestCanonicalEncodingIsKeyOrderInsensitive(t *testing.T) {
	e1, err := Decode([]byte(`{"id":1,"op":"DELETE","key":"k"}`))
	require.NoError(t, err)
	e2, err := Decode([]byte(`{"key":"k","op":"DELETE","id":1}`))
	require.NoError(t, err)
	require.Equal(t, ComputeCRC(e1), ComputeCRC(e2))
}

func TestDeleteHasNoValueOrVersionButStillCRCs(t *testing.T) {
	e := Entry{ID: 5, Op: OpDelete, Key: "k"}
	crc := ComputeCRC(e)
	e.CRC = &crc
	require.True(t, Validate(e))
}
