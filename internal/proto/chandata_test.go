// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package proto

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelData_Encode(t *testing.T) {
	d := &ChannelData{
		Data:   []byte{1, 2, 3, 4},
		Number: MinChannelNumber + 1,
	}
	d.Encode()
	b := &ChannelData{}
	b.Raw = append(b.Raw, d.Raw...)
	assert.NoError(t, b.Decode())
	assert.True(t, b.Equal(d), "not equal")
	assert.True(t, IsChannelData(b.Raw))
	assert.True(t, IsChannelData(d.Raw))
}

func TestChannelData_EncodePadding(t *testing.T) {
	d := &ChannelData{
		Data:   []byte{1, 2, 3},
		Number: MinChannelNumber,
	}
	d.Encode()
	assert.Len(t, d.Raw, channelDataHeaderSize+4)

	decoded := &ChannelData{Raw: d.Raw}
	assert.NoError(t, decoded.Decode())
	assert.Equal(t, []byte{1, 2, 3}, decoded.Data, "padding must not leak into Data")
}

func TestChannelData_Equal(t *testing.T) {
	for _, tc := range []struct {
		name  string
		a, b  *ChannelData
		value bool
	}{
		{
			name:  "nil",
			value: true,
		},
		{
			name: "nil to non-nil",
			b:    &ChannelData{},
		},
		{
			name: "equal",
			a: &ChannelData{
				Number: MinChannelNumber,
				Data:   []byte{1, 2, 3},
			},
			b: &ChannelData{
				Number: MinChannelNumber,
				Data:   []byte{1, 2, 3},
			},
			value: true,
		},
		{
			name: "number",
			a: &ChannelData{
				Number: MinChannelNumber + 1,
				Data:   []byte{1, 2, 3},
			},
			b: &ChannelData{
				Number: MinChannelNumber,
				Data:   []byte{1, 2, 3},
			},
		},
		{
			name: "length",
			a: &ChannelData{
				Number: MinChannelNumber,
				Data:   []byte{1, 2, 3, 4},
			},
			b: &ChannelData{
				Number: MinChannelNumber,
				Data:   []byte{1, 2, 3},
			},
		},
		{
			name: "data",
			a: &ChannelData{
				Number: MinChannelNumber,
				Data:   []byte{1, 2, 2},
			},
			b: &ChannelData{
				Number: MinChannelNumber,
				Data:   []byte{1, 2, 3},
			},
		},
	} {
		assert.Equal(t, tc.value, tc.a.Equal(tc.b), tc.name)
	}
}

func TestChannelData_Decode(t *testing.T) {
	for _, tc := range []struct {
		name string
		buf  []byte
		err  error
	}{
		{
			name: "nil",
			err:  io.ErrUnexpectedEOF,
		},
		{
			name: "small",
			buf:  []byte{1, 2, 3},
			err:  io.ErrUnexpectedEOF,
		},
		{
			name: "zeroes",
			buf:  []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
			err:  ErrInvalidChannelNumber,
		},
		{
			name: "bad chan number",
			buf:  []byte{63, 255, 0, 0, 0, 4, 0, 0, 1, 2, 3, 4},
			err:  ErrInvalidChannelNumber,
		},
		{
			name: "bad length",
			buf:  []byte{0x40, 0x40, 0x02, 0x23, 0x16, 0, 0, 0, 0, 0, 0, 0},
			err:  ErrBadChannelDataLength,
		},
	} {
		m := &ChannelData{
			Raw: tc.buf,
		}
		if err := m.Decode(); !errors.Is(err, tc.err) {
			t.Errorf("unexpected: (%s) %v != %v", tc.name, tc.err, err)
		}
	}
}

func TestChannelData_Reset(t *testing.T) {
	d := &ChannelData{
		Data:   []byte{1, 2, 3, 4},
		Number: MinChannelNumber + 1,
	}
	d.Encode()
	buf := make([]byte, len(d.Raw))
	copy(buf, d.Raw)
	d.Reset()
	d.Raw = buf
	assert.NoError(t, d.Decode())
}

func TestIsChannelData(t *testing.T) {
	for _, tc := range []struct {
		name  string
		buf   []byte
		value bool
	}{
		{
			name: "nil",
		},
		{
			name: "small",
			buf:  []byte{1, 2, 3, 4},
		},
		{
			name: "zeroes",
			buf:  []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		},
		{
			name:  "valid",
			buf:   []byte{0x40, 0x00, 0x00, 0x02, 0xAA, 0xBB},
			value: true,
		},
		{
			name: "stun header",
			buf:  []byte{0x00, 0x01, 0x00, 0x00, 0x21, 0x12, 0xA4, 0x42},
		},
	} {
		assert.Equal(t, tc.value, IsChannelData(tc.buf), tc.name)
	}
}

func BenchmarkIsChannelData(b *testing.B) {
	buf := []byte{64, 0, 0, 0, 0, 4, 0, 0, 1, 2, 3}
	b.ReportAllocs()
	b.SetBytes(int64(len(buf)))
	for i := 0; i < b.N; i++ {
		IsChannelData(buf)
	}
}

func BenchmarkChannelData_Decode(b *testing.B) {
	d := &ChannelData{
		Data:   []byte{1, 2, 3, 4},
		Number: MinChannelNumber + 1,
	}
	d.Encode()
	buf := make([]byte, len(d.Raw))
	copy(buf, d.Raw)
	b.ReportAllocs()
	b.SetBytes(4 + channelDataHeaderSize)
	for i := 0; i < b.N; i++ {
		d.Reset()
		d.Raw = buf
		if err := d.Decode(); err != nil {
			b.Error(err)
		}
	}
}
