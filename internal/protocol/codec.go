package protocol

import (
	"bytes"
	"io"
	"strconv"
)

// Encode 将消息编码为完整的帧
// 调用方负责保证序列号在0..MaxNumber之间、卡号只含可打印字符
func Encode(m Message) []byte {
	payload := encodePayload(m)

	buf := make([]byte, 0, len(payload)+24)
	buf = append(buf, STX)
	buf = strconv.AppendInt(buf, int64(m.Type()), 10)
	buf = append(buf, Separator)
	buf = strconv.AppendInt(buf, int64(m.Num()), 10)
	buf = append(buf, Separator)
	buf = strconv.AppendInt(buf, int64(len(payload)), 10)
	buf = append(buf, Separator)
	buf = append(buf, payload...)
	buf = append(buf, Separator)

	buf = strconv.AppendInt(buf, int64(Checksum(buf)), 10)
	buf = append(buf, Separator, LF)
	return buf
}

// Checksum 计算异或校验值，初始值为0
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}

func encodePayload(m Message) []byte {
	var b []byte
	switch v := m.(type) {
	case Acknowledgement:
		b = strconv.AppendInt(b, int64(v.Target), 10)
	case OpenLock:
		b = appendPair(b, v.Shelf, v.Compartment)
	case ResetLock:
		b = strconv.AppendInt(b, int64(v.Shelf), 10)
	case AssignShelf:
		b = strconv.AppendInt(b, int64(v.Shelf), 10)
	case AssignShelfConfirmation:
	case LockStateRequest:
		b = appendPair(b, v.Shelf, v.Compartment)
	case LockStateReply:
		b = appendPair(b, v.Shelf, v.Compartment)
		b = append(b, Separator)
		if v.Open {
			b = append(b, '1')
		} else {
			b = append(b, '0')
		}
	case ReadCard:
		b = append(b, v.CardID...)
	case LockClosed:
		b = appendPair(b, v.Shelf, v.Compartment)
	default:
		panic("protocol: unknown message type")
	}
	return b
}

func appendPair(b []byte, shelf, compartment int) []byte {
	b = strconv.AppendInt(b, int64(shelf), 10)
	b = append(b, Separator)
	return strconv.AppendInt(b, int64(compartment), 10)
}

// frameReader 记录已读字节的校验值
type frameReader struct {
	r    io.ByteReader
	sum  byte
	last byte
}

func (f *frameReader) next() (byte, error) {
	b, err := f.r.ReadByte()
	if err != nil {
		return 0, err
	}
	f.sum ^= b
	f.last = b
	return b, nil
}

// reject 丢弃当前帧。导致失败的字节是STX时把它退回字节源，
// 下一次调用从这个STX开始，截断的帧不会连带丢掉后一帧。
func (f *frameReader) reject() (Message, error) {
	if f.last == STX {
		if s, ok := f.r.(io.ByteScanner); ok {
			_ = s.UnreadByte()
		}
	}
	return nil, nil
}

// digits 读取以分隔符结尾的十进制字段
// ok为false表示帧格式错误
func (f *frameReader) digits() (value int, ok bool, err error) {
	count := 0
	for {
		b, err := f.next()
		if err != nil {
			return 0, false, err
		}
		if b == Separator {
			return value, count > 0, nil
		}
		if b < '0' || b > '9' {
			return 0, false, nil
		}
		count++
		if count > maxDigits {
			return 0, false, nil
		}
		value = value*10 + int(b-'0')
	}
}

// Decode 从字节源读取一帧并解码
//
// 格式错误、校验失败、未知类型或负载字段缺失时返回 (nil, nil)，
// 调用方直接丢弃，依靠重复发送自愈。只有字节源本身的错误会被返回。
// 首字节不是STX时只消耗该字节，下次调用从下一个字节重新同步。
// r 实现 io.ByteScanner 时，帧中途遇到的STX会被退回。
func Decode(r io.ByteReader) (Message, error) {
	f := &frameReader{r: r}

	first, err := f.next()
	if err != nil {
		return nil, err
	}
	if first != STX {
		return nil, nil
	}

	typ, ok, err := f.digits()
	if err != nil {
		return nil, err
	}
	if !ok {
		return f.reject()
	}
	number, ok, err := f.digits()
	if err != nil {
		return nil, err
	}
	if !ok || number > MaxNumber {
		return f.reject()
	}
	length, ok, err := f.digits()
	if err != nil {
		return nil, err
	}
	if !ok || length > MaxPayloadLen {
		return f.reject()
	}

	payload := make([]byte, length)
	for i := range payload {
		b, err := f.next()
		if err != nil {
			return nil, err
		}
		// 负载只允许可打印字节
		if b < 0x20 {
			return f.reject()
		}
		payload[i] = b
	}

	sep, err := f.next()
	if err != nil {
		return nil, err
	}
	if sep != Separator {
		return f.reject()
	}
	expected := f.sum

	checksum, ok, err := f.digits()
	if err != nil {
		return nil, err
	}
	if !ok {
		return f.reject()
	}
	// 结束符不计入校验
	end, err := f.r.ReadByte()
	if err != nil {
		return nil, err
	}
	if end != LF {
		f.last = end
		return f.reject()
	}
	if checksum != int(expected) {
		return nil, nil
	}

	return decodePayload(Type(typ), number, payload), nil
}

// decodePayload 按类型解析负载，格式不符时返回nil
func decodePayload(typ Type, number int, payload []byte) Message {
	switch typ {
	case TypeAcknowledgement:
		target, ok := parseFields(payload, 1)
		if !ok || target[0] > MaxNumber {
			return nil
		}
		return Acknowledgement{Number: number, Target: target[0]}
	case TypeOpenLock:
		v, ok := parseFields(payload, 2)
		if !ok {
			return nil
		}
		return OpenLock{Number: number, Shelf: v[0], Compartment: v[1]}
	case TypeResetLock:
		v, ok := parseFields(payload, 1)
		if !ok {
			return nil
		}
		return ResetLock{Number: number, Shelf: v[0]}
	case TypeAssignShelf:
		v, ok := parseFields(payload, 1)
		if !ok {
			return nil
		}
		return AssignShelf{Number: number, Shelf: v[0]}
	case TypeAssignShelfConfirmation:
		if len(payload) != 0 {
			return nil
		}
		return AssignShelfConfirmation{Number: number}
	case TypeLockStateRequest:
		v, ok := parseFields(payload, 2)
		if !ok {
			return nil
		}
		return LockStateRequest{Number: number, Shelf: v[0], Compartment: v[1]}
	case TypeLockStateReply:
		v, ok := parseFields(payload, 3)
		if !ok || v[2] > 1 {
			return nil
		}
		return LockStateReply{Number: number, Shelf: v[0], Compartment: v[1], Open: v[2] == 1}
	case TypeReadCard:
		if len(payload) == 0 {
			return nil
		}
		return ReadCard{Number: number, CardID: string(payload)}
	case TypeLockClosed:
		v, ok := parseFields(payload, 2)
		if !ok {
			return nil
		}
		return LockClosed{Number: number, Shelf: v[0], Compartment: v[1]}
	default:
		return nil
	}
}

// parseFields 解析n个以分隔符隔开的十进制字段
func parseFields(payload []byte, n int) ([]int, bool) {
	parts := bytes.Split(payload, []byte{Separator})
	if len(parts) != n {
		return nil, false
	}

	values := make([]int, n)
	for i, part := range parts {
		if len(part) == 0 || len(part) > maxDigits {
			return nil, false
		}
		for _, c := range part {
			if c < '0' || c > '9' {
				return nil, false
			}
			values[i] = values[i]*10 + int(c-'0')
		}
	}
	return values, true
}
