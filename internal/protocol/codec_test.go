package protocol

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func genNumber() *rapid.Generator[int] {
	return rapid.IntRange(0, MaxNumber)
}

func genLocation() *rapid.Generator[int] {
	return rapid.IntRange(0, 99999)
}

// genMessage 生成任意合法消息
func genMessage() *rapid.Generator[Message] {
	return rapid.OneOf(
		rapid.Custom(func(t *rapid.T) Message {
			return Acknowledgement{Number: genNumber().Draw(t, "number"), Target: genNumber().Draw(t, "target")}
		}),
		rapid.Custom(func(t *rapid.T) Message {
			return OpenLock{
				Number:      genNumber().Draw(t, "number"),
				Shelf:       genLocation().Draw(t, "shelf"),
				Compartment: genLocation().Draw(t, "compartment"),
			}
		}),
		rapid.Custom(func(t *rapid.T) Message {
			return ResetLock{Number: genNumber().Draw(t, "number"), Shelf: genLocation().Draw(t, "shelf")}
		}),
		rapid.Custom(func(t *rapid.T) Message {
			return AssignShelf{Number: genNumber().Draw(t, "number"), Shelf: genLocation().Draw(t, "shelf")}
		}),
		rapid.Custom(func(t *rapid.T) Message {
			return AssignShelfConfirmation{Number: genNumber().Draw(t, "number")}
		}),
		rapid.Custom(func(t *rapid.T) Message {
			return LockStateRequest{
				Number:      genNumber().Draw(t, "number"),
				Shelf:       genLocation().Draw(t, "shelf"),
				Compartment: genLocation().Draw(t, "compartment"),
			}
		}),
		rapid.Custom(func(t *rapid.T) Message {
			return LockStateReply{
				Number:      genNumber().Draw(t, "number"),
				Shelf:       genLocation().Draw(t, "shelf"),
				Compartment: genLocation().Draw(t, "compartment"),
				Open:        rapid.Bool().Draw(t, "open"),
			}
		}),
		rapid.Custom(func(t *rapid.T) Message {
			return ReadCard{
				Number: genNumber().Draw(t, "number"),
				CardID: rapid.StringMatching(`[0-9A-Za-z;:]{1,40}`).Draw(t, "card"),
			}
		}),
		rapid.Custom(func(t *rapid.T) Message {
			return LockClosed{
				Number:      genNumber().Draw(t, "number"),
				Shelf:       genLocation().Draw(t, "shelf"),
				Compartment: genLocation().Draw(t, "compartment"),
			}
		}),
	)
}

func TestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msg := genMessage().Draw(t, "msg")

		decoded, err := Decode(bytes.NewReader(Encode(msg)))
		if err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if decoded != msg {
			t.Fatalf("round trip mismatch: got %#v want %#v", decoded, msg)
		}
	})
}

// 任意单比特翻转都会导致整帧被丢弃
func TestSingleBitFlipRejected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		frame := Encode(genMessage().Draw(t, "msg"))
		pos := rapid.IntRange(0, len(frame)-1).Draw(t, "pos")
		bit := rapid.IntRange(0, 7).Draw(t, "bit")

		corrupted := append([]byte(nil), frame...)
		corrupted[pos] ^= 1 << bit

		// 截断时字节源会返回EOF，只关心没有解出消息
		decoded, _ := Decode(bytes.NewReader(corrupted))
		if decoded != nil {
			t.Fatalf("corrupted frame % x decoded as %#v", corrupted, decoded)
		}
	})
}

func TestDecodeConcreteAck(t *testing.T) {
	frame := []byte{0x02, 0x30, 0x3B, 0x35, 0x3B, 0x31, 0x3B, 0x37, 0x3B, 0x31, 0x3B, 0x0A}

	msg, err := Decode(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, Acknowledgement{Number: 5, Target: 7}, msg)
	assert.Equal(t, frame, Encode(Acknowledgement{Number: 5, Target: 7}))

	// 校验值改为 '2'
	bad := append([]byte(nil), frame...)
	bad[9] = '2'
	msg, err = Decode(bytes.NewReader(bad))
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestDecodeMalformed(t *testing.T) {
	valid := Encode(OpenLock{Number: 12, Shelf: 2, Compartment: 8})

	tests := []struct {
		name  string
		frame []byte
	}{
		{"不以STX开头", append([]byte{'x'}, valid[1:]...)},
		{"数字字段含字母", []byte("\x021;1a;3;2;8;0;\n")},
		{"空数字字段", []byte("\x021;;3;2;8;0;\n")},
		{"序列号超出范围", withChecksum("\x021;32768;3;2;8;")},
		{"未知类型", withChecksum("\x029;1;0;;")},
		{"负载缺少字段", withChecksum("\x021;1;1;2;")},
		{"负载含控制字节", withChecksum("\x027;1;3;a\x01b;")},
		{"锁状态值非法", withChecksum("\x026;1;5;2;8;2;")},
		{"确认帧负载非空", withChecksum("\x024;1;1;x;")},
		{"结尾不是LF", append(append([]byte(nil), valid[:len(valid)-1]...), '\r')},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode(bytes.NewReader(tt.frame))
			require.NoError(t, err)
			assert.Nil(t, msg)
		})
	}
}

// withChecksum 为测试帧补上正确的校验值
func withChecksum(region string) []byte {
	b := []byte(region)
	b = strconv.AppendInt(b, int64(Checksum(b)), 10)
	return append(b, Separator, LF)
}

func TestDecodeSourceError(t *testing.T) {
	frame := Encode(ReadCard{Number: 3, CardID: "04A1B2C3"})

	msg, err := Decode(bytes.NewReader(frame[:len(frame)-4]))
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, io.EOF)
}

// 垃圾字节逐个丢弃后能在下一个STX处重新同步
func TestDecodeResync(t *testing.T) {
	want := LockClosed{Number: 44, Shelf: 3, Compartment: 11}
	stream := append([]byte("\xff;7\n"), Encode(want)...)
	r := bufio.NewReader(bytes.NewReader(stream))

	var got []Message
	for {
		msg, err := Decode(r)
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		if msg != nil {
			got = append(got, msg)
		}
	}
	assert.Equal(t, []Message{want}, got)
}

// decodeAll 解码整个字节流，直到字节源耗尽
func decodeAll(t require.TestingT, r io.ByteReader) []Message {
	var got []Message
	for {
		msg, err := Decode(r)
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			return got
		}
		if msg != nil {
			got = append(got, msg)
		}
	}
}

// 截断的帧不会连带吃掉紧随其后的完整帧
func TestDecodeTruncatedFrameKeepsNext(t *testing.T) {
	want := LockClosed{Number: 7, Shelf: 1, Compartment: 7}
	truncated := Encode(OpenLock{Number: 6, Shelf: 1, Compartment: 7})

	tests := []struct {
		name string
		cut  int
	}{
		{"只有STX", 1},
		{"截断在序列号中", 4},
		{"截断在负载中", 9},
		{"缺少结束符", len(truncated) - 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := append(append([]byte(nil), truncated[:tt.cut]...), Encode(want)...)
			assert.Equal(t, []Message{want}, decodeAll(t, bytes.NewReader(stream)))
		})
	}
}

func TestDecodeAnyTruncationKeepsNext(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		first := Encode(genMessage().Draw(t, "first"))
		want := genMessage().Draw(t, "want")
		cut := rapid.IntRange(1, len(first)-1).Draw(t, "cut")

		stream := append(append([]byte(nil), first[:cut]...), Encode(want)...)
		got := decodeAll(t, bufio.NewReader(bytes.NewReader(stream)))
		if len(got) != 1 || got[0] != want {
			t.Fatalf("got %#v, want only %#v", got, want)
		}
	})
}

// 只实现 io.ByteReader 的字节源无法退回，后一帧随截断帧一起丢弃
func TestDecodeTruncatedWithoutScanner(t *testing.T) {
	truncated := Encode(OpenLock{Number: 6, Shelf: 1, Compartment: 7})
	stream := append(append([]byte(nil), truncated[:4]...), Encode(LockClosed{Number: 7, Shelf: 1, Compartment: 7})...)

	assert.Empty(t, decodeAll(t, byteReaderOnly{bytes.NewReader(stream)}))
}

type byteReaderOnly struct {
	r io.ByteReader
}

func (b byteReaderOnly) ReadByte() (byte, error) { return b.r.ReadByte() }

func TestChecksumOfEncodedFrame(t *testing.T) {
	frame := Encode(LockStateReply{Number: 100, Shelf: 1, Compartment: 3, Open: true})
	assert.Equal(t, "\x026;100;5;1;3;1;", string(frame[:bytes.LastIndexByte(frame[:len(frame)-2], Separator)+1]))
}
