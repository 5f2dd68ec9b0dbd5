package actioncache

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"io"

	"github.com/forgecache/cachecore/internal/digest"
	"github.com/forgecache/cachecore/internal/errors"
	"github.com/forgecache/cachecore/internal/signing"
)

// ActionResult is the persisted outcome of one action build. It never
// carries inline bytes: every referenced hash must resolve in the CAS
// (invariant I1), which is what lets a record be fully reconstructed
// from its on-disk bytes without re-running the action.
type ActionResult struct {
	ExitCode     int32
	StdoutHash   *digest.Digest
	StderrHash   *digest.Digest
	OutputHashes map[string]digest.Digest
	ExecutedAt   int64 // unix seconds
	DurationMS   int64
}

// marshalBinary produces a reversible encoding of r. digest.Canonical is
// the hash-input encoding used for signing (per spec 4.1, "the single
// source of truth for any hash over a typed value") — it is intentionally
// one-way (no length prefixes on strings), so it cannot itself serve as
// the action record's storage format. marshalBinary/unmarshalBinary give
// the record file a reconstructable payload while signing.Sign/Verify
// still computes the signature over digest.Canonical(r), so a decoded
// record that round-trips byte-for-byte as the original reproduces the
// exact same signed digest.
func (r ActionResult) marshalBinary() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, r.ExitCode)

	writeOptionalHash(&buf, r.StdoutHash)
	writeOptionalHash(&buf, r.StderrHash)

	binary.Write(&buf, binary.LittleEndian, int64(len(r.OutputHashes)))
	keys := make([]string, 0, len(r.OutputHashes))
	for k := range r.OutputHashes {
		keys = append(keys, k)
	}
	sortStrings(keys)
	for _, k := range keys {
		writeLenPrefixed(&buf, []byte(k))
		h := r.OutputHashes[k]
		buf.Write(h[:])
	}

	binary.Write(&buf, binary.LittleEndian, r.ExecutedAt)
	binary.Write(&buf, binary.LittleEndian, r.DurationMS)
	return buf.Bytes()
}

func unmarshalActionResult(data []byte) (ActionResult, error) {
	r := bytes.NewReader(data)
	var result ActionResult

	if err := binary.Read(r, binary.LittleEndian, &result.ExitCode); err != nil {
		return ActionResult{}, errors.Wrap(err, errors.CodeSerialization, "decoding action result exit code")
	}

	stdout, err := readOptionalHash(r)
	if err != nil {
		return ActionResult{}, err
	}
	result.StdoutHash = stdout

	stderr, err := readOptionalHash(r)
	if err != nil {
		return ActionResult{}, err
	}
	result.StderrHash = stderr

	var outputCount int64
	if err := binary.Read(r, binary.LittleEndian, &outputCount); err != nil {
		return ActionResult{}, errors.Wrap(err, errors.CodeSerialization, "decoding action result output count")
	}
	if outputCount > 0 {
		result.OutputHashes = make(map[string]digest.Digest, outputCount)
	}
	for i := int64(0); i < outputCount; i++ {
		key, err := readLenPrefixed(r)
		if err != nil {
			return ActionResult{}, errors.Wrap(err, errors.CodeSerialization, "decoding action result output key")
		}
		var h digest.Digest
		if _, err := io.ReadFull(r, h[:]); err != nil {
			return ActionResult{}, errors.Wrap(err, errors.CodeSerialization, "decoding action result output hash")
		}
		result.OutputHashes[string(key)] = h
	}

	if err := binary.Read(r, binary.LittleEndian, &result.ExecutedAt); err != nil {
		return ActionResult{}, errors.Wrap(err, errors.CodeSerialization, "decoding action result executed_at")
	}
	if err := binary.Read(r, binary.LittleEndian, &result.DurationMS); err != nil {
		return ActionResult{}, errors.Wrap(err, errors.CodeSerialization, "decoding action result duration")
	}
	return result, nil
}

func writeOptionalHash(buf *bytes.Buffer, h *digest.Digest) {
	if h == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	buf.Write(h[:])
}

func readOptionalHash(r io.Reader) (*digest.Digest, error) {
	var present [1]byte
	if _, err := io.ReadFull(r, present[:]); err != nil {
		return nil, errors.Wrap(err, errors.CodeSerialization, "decoding optional hash presence flag")
	}
	if present[0] == 0 {
		return nil, nil
	}
	var h digest.Digest
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, errors.Wrap(err, errors.CodeSerialization, "decoding optional hash value")
	}
	return &h, nil
}

func writeLenPrefixed(buf *bytes.Buffer, data []byte) {
	binary.Write(buf, binary.LittleEndian, int64(len(data)))
	buf.Write(data)
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var n int64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// sortStrings avoids pulling in sort for one call site's worth of use;
// insertion sort is fine at the sizes an action's output set ever reaches.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// encodeRecord renders signed as the fixed action-record file format:
// "CUENV\0" + u32 version + u8 algorithm + 16-byte key id + 64-byte
// signature + length-prefixed reversible payload encoding.
func encodeRecord(signed *signing.SignedRecord[ActionResult]) ([]byte, error) {
	keyIDBytes, err := hex.DecodeString(signed.SignerKeyID)
	if err != nil || len(keyIDBytes) != 16 {
		return nil, errors.New(errors.CodeSerialization, "signer key id is not 16 bytes of hex")
	}
	if len(signed.Signature) != ed25519.SignatureSize {
		return nil, errors.New(errors.CodeSerialization, "signature is not an ed25519 signature")
	}

	var buf bytes.Buffer
	buf.Write(signing.ActionRecordMagic[:])
	binary.Write(&buf, binary.LittleEndian, signing.ActionRecordVersion)
	buf.WriteByte(byte(signed.Algorithm))
	buf.Write(keyIDBytes)
	buf.Write(signed.Signature)

	payload := signed.Payload.marshalBinary()
	binary.Write(&buf, binary.LittleEndian, uint64(len(payload)))
	buf.Write(payload)
	return buf.Bytes(), nil
}

// decodeRecord parses the fixed action-record header and payload,
// rejecting unknown versions or algorithms per spec (clients MUST reject
// them rather than guess at a compatible interpretation).
func decodeRecord(data []byte) (*signing.SignedRecord[ActionResult], error) {
	r := bytes.NewReader(data)

	var magic [6]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, errors.Wrap(err, errors.CodeCorruption, "reading action record magic")
	}
	if magic != signing.ActionRecordMagic {
		return nil, errors.New(errors.CodeCorruption, "action record magic mismatch")
	}

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, errors.Wrap(err, errors.CodeCorruption, "reading action record version")
	}
	if version != signing.ActionRecordVersion {
		return nil, errors.Wrap(signing.ErrUnknownRecordVersion, errors.CodeSerialization, "unsupported action record version")
	}

	var algByte [1]byte
	if _, err := io.ReadFull(r, algByte[:]); err != nil {
		return nil, errors.Wrap(err, errors.CodeCorruption, "reading action record algorithm")
	}
	alg := signing.Algorithm(algByte[0])
	if alg != signing.AlgorithmEd25519 {
		return nil, errors.Wrap(signing.ErrUnknownAlgorithm, errors.CodeSerialization, "unsupported signing algorithm")
	}

	var keyID [16]byte
	if _, err := io.ReadFull(r, keyID[:]); err != nil {
		return nil, errors.Wrap(err, errors.CodeCorruption, "reading action record key id")
	}

	sig := make([]byte, ed25519.SignatureSize)
	if _, err := io.ReadFull(r, sig); err != nil {
		return nil, errors.Wrap(err, errors.CodeCorruption, "reading action record signature")
	}

	var payloadLen uint64
	if err := binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
		return nil, errors.Wrap(err, errors.CodeCorruption, "reading action record payload length")
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, errors.CodeCorruption, "reading action record payload")
	}

	result, err := unmarshalActionResult(payload)
	if err != nil {
		return nil, err
	}

	return &signing.SignedRecord[ActionResult]{
		Payload:     result,
		SignerKeyID: hex.EncodeToString(keyID[:]),
		Signature:   sig,
		Algorithm:   alg,
	}, nil
}
