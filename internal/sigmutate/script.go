// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sigmutate

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/decred/dcrd/txscript/v4"
)

// scriptVersion is the only script version signature scripts are parsed as.
const scriptVersion = 0

// Token is a single parsed script instruction.  Data is only populated for the
// data push opcodes that carry bytes (OP_DATA_1 through OP_PUSHDATA4).
type Token struct {
	Opcode byte
	Data   []byte
}

// IsDataPush returns whether the token pushes one or more bytes of data.
func (t *Token) IsDataPush() bool {
	return t.Opcode >= txscript.OP_DATA_1 && t.Opcode <= txscript.OP_PUSHDATA4 &&
		len(t.Data) > 0
}

// Script is an explicitly tokenized script.
type Script []Token

// ParseScript tokenizes the passed version 0 script.  The returned tokens are
// guaranteed to serialize back to exactly the same bytes.
func ParseScript(script []byte) (Script, error) {
	var parsed Script
	tokenizer := txscript.MakeScriptTokenizer(scriptVersion, script)
	for tokenizer.Next() {
		var data []byte
		if d := tokenizer.Data(); d != nil {
			data = append([]byte(nil), d...)
		}
		parsed = append(parsed, Token{Opcode: tokenizer.Opcode(), Data: data})
	}
	if err := tokenizer.Err(); err != nil {
		str := fmt.Sprintf("script failed to parse: %v", err)
		return nil, makeError(ErrMalformedScript, str)
	}

	reserialized, err := parsed.Bytes()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(reserialized, script) {
		str := fmt.Sprintf("script %x does not round trip (got %x)", script,
			reserialized)
		return nil, makeError(ErrMalformedScript, str)
	}
	return parsed, nil
}

// pushOpcode returns the smallest push opcode able to carry dataLen bytes.
func pushOpcode(dataLen int) byte {
	switch {
	case dataLen <= txscript.OP_DATA_75:
		return byte(dataLen)
	case dataLen <= math.MaxUint8:
		return txscript.OP_PUSHDATA1
	case dataLen <= math.MaxUint16:
		return txscript.OP_PUSHDATA2
	default:
		return txscript.OP_PUSHDATA4
	}
}

// Bytes serializes the tokens.  Length prefixes are emitted according to each
// token's opcode and an error is returned when the opcode cannot describe the
// length of its data.
func (s Script) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	for i := range s {
		tok := &s[i]
		buf.WriteByte(tok.Opcode)

		dataLen := len(tok.Data)
		switch {
		case tok.Opcode >= txscript.OP_DATA_1 && tok.Opcode <= txscript.OP_DATA_75:
			if int(tok.Opcode) != dataLen {
				str := fmt.Sprintf("token %d: opcode %#x pushes %d bytes, "+
					"have %d", i, tok.Opcode, tok.Opcode, dataLen)
				return nil, makeError(ErrMalformedScript, str)
			}

		case tok.Opcode == txscript.OP_PUSHDATA1:
			if dataLen > math.MaxUint8 {
				str := fmt.Sprintf("token %d: %d bytes exceeds OP_PUSHDATA1",
					i, dataLen)
				return nil, makeError(ErrMalformedScript, str)
			}
			buf.WriteByte(byte(dataLen))

		case tok.Opcode == txscript.OP_PUSHDATA2:
			if dataLen > math.MaxUint16 {
				str := fmt.Sprintf("token %d: %d bytes exceeds OP_PUSHDATA2",
					i, dataLen)
				return nil, makeError(ErrMalformedScript, str)
			}
			var l [2]byte
			binary.LittleEndian.PutUint16(l[:], uint16(dataLen))
			buf.Write(l[:])

		case tok.Opcode == txscript.OP_PUSHDATA4:
			var l [4]byte
			binary.LittleEndian.PutUint32(l[:], uint32(dataLen))
			buf.Write(l[:])

		default:
			if dataLen != 0 {
				str := fmt.Sprintf("token %d: opcode %#x does not push data",
					i, tok.Opcode)
				return nil, makeError(ErrMalformedScript, str)
			}
		}
		buf.Write(tok.Data)
	}
	return buf.Bytes(), nil
}

// firstPush returns the index of the first token in the script and ensures it
// pushes data.
func (s Script) firstPush() (int, error) {
	if len(s) == 0 {
		return 0, makeError(ErrMalformedScript, "script is empty")
	}
	if !s[0].IsDataPush() {
		str := fmt.Sprintf("first instruction %#x is not a data push",
			s[0].Opcode)
		return 0, makeError(ErrMalformedScript, str)
	}
	return 0, nil
}

// SignaturePush returns a copy of the data carried by the first push of the
// passed signature script.
func SignaturePush(script []byte) ([]byte, error) {
	parsed, err := ParseScript(script)
	if err != nil {
		return nil, err
	}
	idx, err := parsed.firstPush()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), parsed[idx].Data...), nil
}
