// Package fragment splits a TLS ClientHello record into several shorter
// TLS records before it reaches the wire, so that DPI middleboxes that key
// off the first record's length or its SNI extension offset no longer see
// either in one place.
package fragment

import (
	"io"
	"math/rand"
	"time"

	"cloakdns/internal/config"
)

const recordHeaderLen = 5 // [ContentType=22, VersionMajor=3, VersionMinor=1, LenHi, LenLo]

// recordHeader builds a TLS handshake record header for a payload of the
// given length. Matches the original's fixed [22, 3, 1, 0, len] header —
// len never exceeds 255 because fragment_size is bounded to 1..=255.
func recordHeader(payloadLen int) [recordHeaderLen]byte {
	return [recordHeaderLen]byte{22, 3, 1, 0, byte(payloadLen)}
}

// Write fragments clientHello (a complete, already-serialized TLS record
// starting at its own 5-byte header) per fragmenting.Method and writes the
// resulting records to w, sleeping between OS-level write segments per
// fragmenting.SleepInterval. clientHello must include its original 5-byte
// record header; fragmentation begins after it.
func Write(w io.Writer, clientHello []byte, fragmenting config.Fragmenting) error {
	if len(clientHello) < recordHeaderLen {
		return io.ErrShortBuffer
	}
	body := clientHello[recordHeaderLen:]
	sizeRange := fragmenting.FragmentSizeRange()
	sleepRange := fragmenting.SleepIntervalRange()

	switch fragmenting.Method {
	case config.FragLinear:
		return writeLinear(w, body, sizeRange, sleepRange, fragmenting.Segments)
	case config.FragRandom:
		return writeRandom(w, body, sizeRange, sleepRange, fragmenting.Segments)
	case config.FragSingle:
		return writeSingle(w, body, sizeRange, sleepRange, fragmenting.Segments)
	case config.FragJump:
		return writeJump(w, body, sizeRange, sleepRange, fragmenting.Segments)
	default:
		return writeRandom(w, body, sizeRange, sleepRange, fragmenting.Segments)
	}
}

// writeRandom repeatedly takes a random-sized chunk (bounded by
// sizeRange), wraps it in its own TLS record, and writes that record out
// in config.segments OS-level writes with a sleep between each.
func writeRandom(w io.Writer, body []byte, sizeRange, sleepRange config.IntRange, segments int) error {
	written := 0
	for written < len(body) {
		chunk := sizeRange.Sample(rand.Intn)
		end := written + chunk
		if end >= len(body) {
			end = len(body)
		}
		if err := writeRecord(w, body[written:end], sleepRange, segments); err != nil {
			return err
		}
		written = end
	}
	return nil
}

// writeSingle behaves like writeRandom but assembles every record into one
// combined buffer first and performs the sleep-segmented write only once,
// at the end — matching the original's "pack" variant.
func writeSingle(w io.Writer, body []byte, sizeRange, sleepRange config.IntRange, segments int) error {
	packed := make([]byte, 0, len(body)+len(body)/int(sizeRange.Min+1)*recordHeaderLen+recordHeaderLen)
	written := 0
	for written < len(body) {
		chunk := sizeRange.Sample(rand.Intn)
		end := written + chunk
		if end >= len(body) {
			end = len(body)
		}
		hdr := recordHeader(end - written)
		packed = append(packed, hdr[:]...)
		packed = append(packed, body[written:end]...)
		written = end
	}
	return writeSegmented(w, packed, sleepRange, segments)
}

// writeLinear walks body in fixed-size chunks equal to sizeRange.Min
// without sampling sizeRange at all — a deterministic schedule rather
// than writeRandom's per-chunk sampling.
func writeLinear(w io.Writer, body []byte, sizeRange, sleepRange config.IntRange, segments int) error {
	chunk := sizeRange.Min
	if chunk <= 0 {
		chunk = 1
	}
	for written := 0; written < len(body); written += chunk {
		end := written + chunk
		if end > len(body) {
			end = len(body)
		}
		if err := writeRecord(w, body[written:end], sleepRange, segments); err != nil {
			return err
		}
	}
	return nil
}

// writeJump alternates between a small fixed-offset chunk and a randomly
// sized one, so consecutive record lengths on the wire never follow a
// single predictable pattern.
func writeJump(w io.Writer, body []byte, sizeRange, sleepRange config.IntRange, segments int) error {
	written := 0
	jump := true
	for written < len(body) {
		var chunk int
		if jump {
			chunk = sizeRange.Min
			if chunk <= 0 {
				chunk = 1
			}
		} else {
			chunk = sizeRange.Sample(rand.Intn)
		}
		jump = !jump
		end := written + chunk
		if end >= len(body) {
			end = len(body)
		}
		if err := writeRecord(w, body[written:end], sleepRange, segments); err != nil {
			return err
		}
		written = end
	}
	return nil
}

func writeRecord(w io.Writer, payload []byte, sleepRange config.IntRange, segments int) error {
	hdr := recordHeader(len(payload))
	record := make([]byte, 0, recordHeaderLen+len(payload))
	record = append(record, hdr[:]...)
	record = append(record, payload...)
	return writeSegmented(w, record, sleepRange, segments)
}

// writeSegmented splits record into `segments` roughly equal OS-level
// writes, sleeping a random duration within sleepRange between each —
// the original's segmentation() helper, shared by every fragmentation
// method.
func writeSegmented(w io.Writer, record []byte, sleepRange config.IntRange, segments int) error {
	if segments < 1 {
		segments = 1
	}
	chunkSize := (len(record) + segments - 1) / segments
	if chunkSize < 1 {
		chunkSize = 1
	}
	for i := 0; i < len(record); i += chunkSize {
		end := i + chunkSize
		if end > len(record) {
			end = len(record)
		}
		if _, err := w.Write(record[i:end]); err != nil {
			return err
		}
		if f, ok := w.(interface{ Flush() error }); ok {
			if err := f.Flush(); err != nil {
				return err
			}
		}
		ms := sleepRange.Sample(rand.Intn)
		if ms > 0 {
			time.Sleep(time.Duration(ms) * time.Millisecond)
		}
	}
	return nil
}
