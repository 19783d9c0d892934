package protocol

import (
	"bytes"
	"fmt"
)

// EncodeBroadcast builds an announcement frame the way devices send them:
// a zero return code, the JSON payload (encrypted with DiscoveryKey for the
// 6667 port) and a CRC trailer.
func EncodeBroadcast(seq uint32, payload []byte, encrypted bool) ([]byte, error) {
	cmd := CmdUDP
	if encrypted {
		enc, err := Encrypt(DiscoveryKey, payload)
		if err != nil {
			return nil, err
		}
		payload = enc
		cmd = CmdUDPNew
	}
	body := make([]byte, returnCodeSize, returnCodeSize+len(payload))
	body = append(body, payload...)
	return buildFrame(seq, cmd, body, CRCSize, crc32Of), nil
}

// DecodeBroadcast validates an announcement datagram and returns its JSON
// payload. The CRC is not checked; devices on some firmware get it wrong.
func DecodeBroadcast(raw []byte, encrypted bool) ([]byte, error) {
	f, err := ParseFrame(raw)
	if err != nil {
		return nil, err
	}
	body := f.Body
	if len(body) < CRCSize {
		return nil, fmt.Errorf("%w: no room for crc", ErrShortFrame)
	}
	body = body[:len(body)-CRCSize]
	_, _, body = splitReturnCode(body)

	if !encrypted {
		return body, nil
	}
	plain, err := Decrypt(DiscoveryKey, body)
	if err != nil {
		// a few devices announce in clear text on the encrypted port
		if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
			return trimmed, nil
		}
		return nil, err
	}
	return plain, nil
}
