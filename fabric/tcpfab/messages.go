package tcpfab

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// msgType discriminates the wire messages exchanged between ranks.
type msgType uint8

const (
	msgHello  msgType = 1 // Connection handshake: rank + job ID.
	msgPut    msgType = 2 // One-sided write into a registered region.
	msgPutAck msgType = 3 // Confirms the write landed.
	msgSignal msgType = 4 // Arrival at a tagged rendezvous.
	msgGather msgType = 5 // Payload contribution to a tagged exchange.
)

// header is the fixed-size preamble of every message.
type header struct {
	Type      msgType
	RequestID uint64
	Timestamp int64 // Unix nano, for debugging only.
}

const headerSize = 1 + 8 + 8

func serializeHeader(h header) []byte {
	buf := make([]byte, headerSize)
	buf[0] = byte(h.Type)
	binary.BigEndian.PutUint64(buf[1:9], h.RequestID)
	binary.BigEndian.PutUint64(buf[9:17], uint64(h.Timestamp))
	return buf
}

func deserializeHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, errors.New("buffer too small for message header")
	}
	return header{
		Type:      msgType(buf[0]),
		RequestID: binary.BigEndian.Uint64(buf[1:9]),
		Timestamp: int64(binary.BigEndian.Uint64(buf[9:17])),
	}, nil
}

// helloBody is the first message on every connection.
type helloBody struct {
	Rank  int    `msgpack:"r"`
	JobID string `msgpack:"j"`
}

// putBody carries a one-sided write: the bytes land at Offset within the
// target rank's registration MemID.
type putBody struct {
	MemID  uint64 `msgpack:"m"`
	Offset int64  `msgpack:"o"`
	Data   []byte `msgpack:"d"`
}

// putAckBody confirms (or refuses) a put, echoing its request ID in the
// header.
type putAckBody struct {
	Error string `msgpack:"e"` // Empty on success.
}

// signalBody marks arrival at a tagged rendezvous.
type signalBody struct {
	Tag string `msgpack:"t"`
}

// gatherBody contributes a payload to a tagged all-rank exchange.
type gatherBody struct {
	Tag     string `msgpack:"t"`
	Rank    int    `msgpack:"r"`
	Payload []byte `msgpack:"p"`
}

// writeMessage frames and writes one message: fixed header, 4-byte body
// length, msgpack body.
func writeMessage(w io.Writer, typ msgType, reqID uint64, body any) error {
	h := header{Type: typ, RequestID: reqID, Timestamp: time.Now().UnixNano()}
	if _, err := w.Write(serializeHeader(h)); err != nil {
		return errors.Wrap(err, "writing message header")
	}
	data, err := msgpack.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshaling message body")
	}
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data)))
	if _, err := w.Write(lenBuf); err != nil {
		return errors.Wrap(err, "writing message length")
	}
	_, err = w.Write(data)
	return errors.Wrap(err, "writing message body")
}

// readMessage reads one framed message, returning its header and raw body.
func readMessage(r io.Reader) (header, []byte, error) {
	headerBuf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return header{}, nil, err
	}
	h, err := deserializeHeader(headerBuf)
	if err != nil {
		return header{}, nil, err
	}
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return header{}, nil, errors.Wrap(err, "reading message length")
	}
	body := make([]byte, binary.BigEndian.Uint32(lenBuf))
	if _, err := io.ReadFull(r, body); err != nil {
		return header{}, nil, errors.Wrap(err, "reading message body")
	}
	return h, body, nil
}

func decodeBody(data []byte, target any) error {
	return errors.Wrap(msgpack.Unmarshal(data, target), "unmarshaling message body")
}
