package guard

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/torcore/tor-core/storage"
	"github.com/torcore/tor-core/torerr"
)

// recordVersion is the leading byte of every persisted guard record, so
// a future layout change can be detected and rejected rather than
// silently misparsed.
const recordVersion = 1

const (
	flagHasRSA = 1 << iota
	flagHasEd25519
	flagHasConfirmedAt
	flagHasLastTried
	flagDisabled
	flagHasUncertainSince
)

// encodeGuard serializes g into the compact record described in the
// persisted-guard-state interface: identities, first-seen time,
// optional confirmed-at and last-tried times, optional retirement
// reason, plus enough state to resume selection without re-deriving it
// from a fresh sampling pass.
func encodeGuard(g *Guard) []byte {
	var flags byte
	if g.Identity.HasRSA {
		flags |= flagHasRSA
	}
	if g.Identity.HasEd25519 {
		flags |= flagHasEd25519
	}
	if g.HasConfirmedAt {
		flags |= flagHasConfirmedAt
	}
	if g.HasLastTried {
		flags |= flagHasLastTried
	}
	if g.Disabled {
		flags |= flagDisabled
	}
	if g.HasUncertainSince {
		flags |= flagHasUncertainSince
	}

	var buf bytes.Buffer
	buf.WriteByte(recordVersion)
	buf.WriteByte(flags)
	if g.Identity.HasRSA {
		buf.Write(g.Identity.RSA[:])
	}
	if g.Identity.HasEd25519 {
		buf.Write(g.Identity.Ed25519[:])
	}
	writeInt64(&buf, g.FirstSampled.UnixNano())
	if g.HasConfirmedAt {
		writeInt64(&buf, g.ConfirmedAt.UnixNano())
	}
	if g.HasLastTried {
		writeInt64(&buf, g.LastTried.UnixNano())
	}
	if g.HasUncertainSince {
		writeInt64(&buf, g.UncertainSince.UnixNano())
	}
	if g.Disabled {
		writeString(&buf, g.DisabledReason)
	}
	buf.WriteByte(byte(g.Confirm))
	buf.WriteByte(byte(g.Work))
	buf.WriteByte(byte(g.Listing))
	writeInt64(&buf, g.Bandwidth)
	writeString(&buf, g.Address)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], g.ORPort)
	buf.Write(portBuf[:])
	return buf.Bytes()
}

// decodeGuard parses a record produced by encodeGuard. It rejects any
// version byte other than the one this build understands, per the
// forward-compatibility requirement on the persisted format.
func decodeGuard(data []byte) (*Guard, error) {
	r := bytes.NewReader(data)
	version, err := r.ReadByte()
	if err != nil {
		return nil, torerr.Internal("guard: empty persisted record")
	}
	if version != recordVersion {
		return nil, torerr.Config(fmt.Sprintf("guard: unsupported persisted record version %d", version))
	}
	flags, err := r.ReadByte()
	if err != nil {
		return nil, torerr.Internal("guard: truncated persisted record flags")
	}

	g := &Guard{}
	if flags&flagHasRSA != 0 {
		g.Identity.HasRSA = true
		if _, err := readFull(r, g.Identity.RSA[:]); err != nil {
			return nil, err
		}
	}
	if flags&flagHasEd25519 != 0 {
		g.Identity.HasEd25519 = true
		if _, err := readFull(r, g.Identity.Ed25519[:]); err != nil {
			return nil, err
		}
	}

	firstSampled, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	g.FirstSampled = time.Unix(0, firstSampled).UTC()

	if flags&flagHasConfirmedAt != 0 {
		g.HasConfirmedAt = true
		confirmedAt, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		g.ConfirmedAt = time.Unix(0, confirmedAt).UTC()
	}
	if flags&flagHasLastTried != 0 {
		g.HasLastTried = true
		lastTried, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		g.LastTried = time.Unix(0, lastTried).UTC()
	}
	if flags&flagHasUncertainSince != 0 {
		g.HasUncertainSince = true
		uncertainSince, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		g.UncertainSince = time.Unix(0, uncertainSince).UTC()
	}
	if flags&flagDisabled != 0 {
		g.Disabled = true
		reason, err := readString(r)
		if err != nil {
			return nil, err
		}
		g.DisabledReason = reason
	}

	confirm, err := r.ReadByte()
	if err != nil {
		return nil, torerr.Internal("guard: truncated persisted record confirm state")
	}
	g.Confirm = ConfirmState(confirm)
	work, err := r.ReadByte()
	if err != nil {
		return nil, torerr.Internal("guard: truncated persisted record work state")
	}
	g.Work = WorkingState(work)
	listing, err := r.ReadByte()
	if err != nil {
		return nil, torerr.Internal("guard: truncated persisted record listing state")
	}
	g.Listing = ListedState(listing)

	bandwidth, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	g.Bandwidth = bandwidth

	address, err := readString(r)
	if err != nil {
		return nil, err
	}
	g.Address = address

	var portBuf [2]byte
	if _, err := readFull(r, portBuf[:]); err != nil {
		return nil, err
	}
	g.ORPort = binary.BigEndian.Uint16(portBuf[:])

	return g, nil
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func readInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

func writeString(buf *bytes.Buffer, s string) {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := readFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	body := make([]byte, n)
	if _, err := readFull(r, body); err != nil {
		return "", err
	}
	return string(body), nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	n, err := r.Read(b)
	if err != nil || n != len(b) {
		return n, torerr.Internal("guard: truncated persisted record")
	}
	return n, nil
}

// guardKey derives the ArtiPath a guard's record is stored under: a
// fixed "guards" directory, keyed by whichever identity the guard
// carries, so two guards can never collide on the same file.
func guardKey(id Identity) (storage.ArtiPath, error) {
	var name string
	switch {
	case id.HasEd25519:
		name = "ed25519-" + hex.EncodeToString(id.Ed25519[:])
	case id.HasRSA:
		name = "rsa-" + hex.EncodeToString(id.RSA[:])
	default:
		return "", torerr.Internal("guard: cannot derive a storage key for an identity with no keys")
	}
	component, err := storage.NewArtiPathComponent(name)
	if err != nil {
		return "", err
	}
	return storage.ArtiPath("guards").Join(component), nil
}

// SaveSample persists every guard in sample to store, one record per
// guard, so a restarted process can resume with the same sample
// instead of drawing a fresh one.
func SaveSample(ctx context.Context, store storage.Store, sample *Sample) error {
	for _, g := range sample.All() {
		key, err := guardKey(g.Identity)
		if err != nil {
			return err
		}
		if err := store.Put(ctx, key, encodeGuard(g)); err != nil {
			return torerr.Wrap(torerr.KindInternal, "guard: persist sample entry", err)
		}
	}
	return nil
}

// LoadSample reconstructs a Sample from every record stored under the
// guards directory. Order among loaded guards follows the store's List
// order, which is also the staticRank order; confirmed-before-unconfirmed
// partitioning is restored lazily by PriorityOrder, exactly as for a
// freshly-sampled guard list.
func LoadSample(ctx context.Context, store storage.Store) (*Sample, error) {
	keys, err := store.List(ctx, storage.ArtiPath("guards"))
	if err != nil {
		return nil, torerr.Wrap(torerr.KindInternal, "guard: list persisted sample", err)
	}
	sample := NewSample()
	for _, key := range keys {
		data, ok, err := store.Get(ctx, key)
		if err != nil {
			return nil, torerr.Wrap(torerr.KindInternal, "guard: read persisted sample entry", err)
		}
		if !ok {
			continue
		}
		g, err := decodeGuard(data)
		if err != nil {
			return nil, err
		}
		sample.Add(g)
	}
	return sample, nil
}
