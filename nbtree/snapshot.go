package nbtree

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/corvid-db/go-corvid/blockstore"
)

// Snapshot is the host-visible persisted state of one tree: the head
// address list bound to the volume that produced it. It is everything a
// host needs to keep across restarts.
type Snapshot struct {
	ParamID ParamID                `cbor:"1,keyasint"`
	Volume  uuid.UUID              `cbor:"2,keyasint"`
	Roots   []blockstore.LogicAddr `cbor:"3,keyasint"`
}

var snapshotEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Snapshot captures the current roots. Hosts typically call it whenever
// Append reports a roots change, and persist the encoding.
func (tl *ExtentsList) Snapshot() Snapshot {
	return Snapshot{
		ParamID: tl.id,
		Volume:  tl.bs.VolumeID(),
		Roots:   tl.GetRoots(),
	}
}

// Encode serialises the snapshot deterministically.
//
// The method is purposefully not called MarshalBinary: the CBOR encoder
// consults encoding.BinaryMarshaler, which must keep applying to the
// Volume field only.
func (s Snapshot) Encode() ([]byte, error) {
	return snapshotEnc.Marshal(s)
}

// DecodeSnapshot decodes a snapshot previously produced by Encode.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrBadAddrList, err)
	}
	return s, nil
}

// OpenFromSnapshot constructs a tree from a snapshot, refusing snapshots
// taken against a different volume.
func OpenFromSnapshot(s Snapshot, bs blockstore.Store, opts ...TreeOption) (*ExtentsList, error) {
	if s.Volume != bs.VolumeID() {
		return nil, fmt.Errorf("%w: snapshot volume %s, store volume %s",
			ErrBadAddrList, s.Volume, bs.VolumeID())
	}
	return NewExtentsList(s.ParamID, s.Roots, bs, opts...), nil
}
