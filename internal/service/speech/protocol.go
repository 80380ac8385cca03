package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// 火山引擎流式语音识别二进制协议。每帧由 4 字节 header、可选 sequence、
// payload size 与 payload 组成。

// ProtocolVersion 二进制协议版本
const ProtocolVersion = 0b0001

// MessageType 消息类型
type MessageType uint8

const (
	// FullClientRequest 包含请求参数的完整客户端请求
	FullClientRequest MessageType = 0b0001
	// AudioOnlyRequest 只包含音频数据的请求
	AudioOnlyRequest MessageType = 0b0010
	// FullServerResponse 服务端返回的识别结果
	FullServerResponse MessageType = 0b1001
	// ErrorMessage 服务端错误消息
	ErrorMessage MessageType = 0b1111
)

// MessageFlags 消息特定标志
type MessageFlags uint8

const (
	NoSequenceNumber       MessageFlags = 0b0000
	PositiveSequenceNumber MessageFlags = 0b0001
	// LastPacketNoSequence 最后一包，不带 sequence
	LastPacketNoSequence MessageFlags = 0b0010
	// NegativeSequenceNumber 最后一包，sequence 取负
	NegativeSequenceNumber MessageFlags = 0b0011
)

// SerializationMethod 序列化方法
type SerializationMethod uint8

const (
	NoSerialization   SerializationMethod = 0b0000
	JSONSerialization SerializationMethod = 0b0001
)

// CompressionMethod 压缩方法
type CompressionMethod uint8

const (
	NoCompression   CompressionMethod = 0b0000
	GzipCompression CompressionMethod = 0b0001
)

// Header 消息头
type Header struct {
	ProtocolVersion     uint8
	HeaderSize          uint8 // in 4-byte words
	MessageType         MessageType
	MessageFlags        MessageFlags
	SerializationMethod SerializationMethod
	CompressionMethod   CompressionMethod
	Reserved            uint8
}

// Message 一帧协议消息
type Message struct {
	Header    Header
	Sequence  int32
	ErrorCode uint32
	Payload   []byte
}

func NewHeader(msgType MessageType, flags MessageFlags, serialization SerializationMethod, compression CompressionMethod) Header {
	return Header{
		ProtocolVersion:     ProtocolVersion,
		HeaderSize:          0b0001,
		MessageType:         msgType,
		MessageFlags:        flags,
		SerializationMethod: serialization,
		CompressionMethod:   compression,
	}
}

func (h Header) encode() []byte {
	return []byte{
		(h.ProtocolVersion << 4) | h.HeaderSize,
		(uint8(h.MessageType) << 4) | uint8(h.MessageFlags),
		(uint8(h.SerializationMethod) << 4) | uint8(h.CompressionMethod),
		h.Reserved,
	}
}

func decodeHeader(data []byte) (Header, error) {
	h := Header{
		ProtocolVersion:     (data[0] >> 4) & 0x0F,
		HeaderSize:          data[0] & 0x0F,
		MessageType:         MessageType((data[1] >> 4) & 0x0F),
		MessageFlags:        MessageFlags(data[1] & 0x0F),
		SerializationMethod: SerializationMethod((data[2] >> 4) & 0x0F),
		CompressionMethod:   CompressionMethod(data[2] & 0x0F),
		Reserved:            data[3],
	}
	if h.ProtocolVersion != ProtocolVersion {
		return Header{}, fmt.Errorf("unsupported protocol version: %d", h.ProtocolVersion)
	}
	return h, nil
}

func (m *Message) hasSequence() bool {
	switch m.Header.MessageFlags & 0b0011 {
	case PositiveSequenceNumber, NegativeSequenceNumber:
		return true
	default:
		return false
	}
}

// IsLastPacket 判断是否为最后一包
func (m *Message) IsLastPacket() bool {
	switch m.Header.MessageFlags & 0b0011 {
	case LastPacketNoSequence, NegativeSequenceNumber:
		return true
	default:
		return false
	}
}

// EncodeMessage 编码完整消息
func EncodeMessage(msg *Message) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 12+len(msg.Payload)))
	buf.Write(msg.Header.encode())

	var word [4]byte
	if msg.hasSequence() {
		binary.BigEndian.PutUint32(word[:], uint32(msg.Sequence))
		buf.Write(word[:])
	}
	if msg.Header.MessageType == ErrorMessage {
		binary.BigEndian.PutUint32(word[:], msg.ErrorCode)
		buf.Write(word[:])
	}
	binary.BigEndian.PutUint32(word[:], uint32(len(msg.Payload)))
	buf.Write(word[:])
	buf.Write(msg.Payload)
	return buf.Bytes()
}

// DecodeMessage 解码完整消息
func DecodeMessage(reader io.Reader) (*Message, error) {
	headerBytes := make([]byte, 4)
	if _, err := io.ReadFull(reader, headerBytes); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	header, err := decodeHeader(headerBytes)
	if err != nil {
		return nil, err
	}

	msg := &Message{Header: header}

	if extra := int(header.HeaderSize)*4 - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, reader, int64(extra)); err != nil {
			return nil, fmt.Errorf("failed to read extended header: %w", err)
		}
	}

	if msg.hasSequence() {
		if err := binary.Read(reader, binary.BigEndian, &msg.Sequence); err != nil {
			return nil, fmt.Errorf("failed to read sequence: %w", err)
		}
	}
	if header.MessageType == ErrorMessage {
		if err := binary.Read(reader, binary.BigEndian, &msg.ErrorCode); err != nil {
			return nil, fmt.Errorf("failed to read error code: %w", err)
		}
	}

	var size uint32
	if err := binary.Read(reader, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("failed to read payload size: %w", err)
	}
	if size > 0 {
		msg.Payload = make([]byte, size)
		if _, err := io.ReadFull(reader, msg.Payload); err != nil {
			return nil, fmt.Errorf("failed to read payload (expected %d bytes): %w", size, err)
		}
	}
	return msg, nil
}

// NewFullClientRequest 创建完整客户端请求消息
func NewFullClientRequest(payload []byte) *Message {
	return &Message{
		Header:  NewHeader(FullClientRequest, NoSequenceNumber, JSONSerialization, GzipCompression),
		Payload: payload,
	}
}

// NewAudioOnlyRequest 创建音频请求消息；最后一包的 sequence 取负。
func NewAudioOnlyRequest(audio []byte, sequence int32, isLast bool) *Message {
	flags := PositiveSequenceNumber
	if isLast {
		flags = NegativeSequenceNumber
		sequence = -sequence
	}
	return &Message{
		Header:   NewHeader(AudioOnlyRequest, flags, NoSerialization, GzipCompression),
		Sequence: sequence,
		Payload:  audio,
	}
}

// gzipPayload 使用gzip压缩数据
func gzipPayload(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}
	return buf.Bytes(), nil
}

// decodePayload 按 header 声明的压缩方式解出 payload
func decodePayload(msg *Message) ([]byte, error) {
	switch msg.Header.CompressionMethod {
	case NoCompression:
		return msg.Payload, nil
	case GzipCompression:
		if len(msg.Payload) == 0 {
			return nil, nil
		}
		reader, err := gzip.NewReader(bytes.NewReader(msg.Payload))
		if err != nil {
			return nil, fmt.Errorf("gzip reader creation failed: %w", err)
		}
		defer reader.Close()
		return io.ReadAll(reader)
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", msg.Header.CompressionMethod)
	}
}
