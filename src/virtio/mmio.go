// Package virtio implements the VirtIO block driver: feature negotiation,
// a one-slot indirect-descriptor virtqueue, and sleep/wake-on-interrupt
// request handling, backed in this simulation by a host file standing in
// for the block device's physical medium.
package virtio

// Descriptor flags (struct virtq_desc.flags).
const (
	DescFNext     = 1 << 0
	DescFWrite    = 1 << 1
	DescFIndirect = 1 << 2
)

// Block request types (struct vioblk_request_header.type).
const (
	ReqIn  = 0 // device reads from disk into the supplied buffer
	ReqOut = 1 // device writes the supplied buffer to disk
)

// Status byte values the device writes back.
const (
	StatusOK     = 0
	StatusIOErr  = 1
	StatusUnsupp = 2
)

// Feature bits. Numbers, not masks, matching the source convention.
const (
	FeatureRingReset    = 40 // VIRTIO_F_RING_RESET
	FeatureIndirectDesc = 28 // VIRTIO_F_INDIRECT_DESC
	FeatureBlkSize      = 6  // VIRTIO_BLK_F_BLK_SIZE
	FeatureTopology     = 10 // VIRTIO_BLK_F_TOPOLOGY
)

// Featureset_t is a bitmask of negotiated/offered VirtIO feature numbers.
type Featureset_t uint64

func (f *Featureset_t) Add(bit int)        { *f |= Featureset_t(1) << uint(bit) }
func (f Featureset_t) Test(bit int) bool   { return f&(Featureset_t(1)<<uint(bit)) != 0 }
func (f Featureset_t) Intersect(o Featureset_t) Featureset_t { return f & o }

// NegotiateFeatures requires every bit in needed be present in the
// device's offered set, and additionally enables whichever bits in
// wanted the device also offers. It mirrors virtio_negotiate_features:
// a missing needed feature fails negotiation outright.
func NegotiateFeatures(offered, needed, wanted Featureset_t) (Featureset_t, bool) {
	if offered&needed != needed {
		return 0, false
	}
	return needed | (offered & wanted), true
}

// desc_t mirrors struct virtq_desc: one entry in the descriptor table.
type desc_t struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// usedElem_t mirrors struct virtq_used_elem.
type usedElem_t struct {
	ID  uint32
	Len uint32
}

// avail_t and used_t are sized for exactly one in-flight descriptor chain
// (VIRTQ_AVAIL_SIZE(1) / VIRTQ_USED_SIZE(1) in the source kernel): this
// driver only ever has one request outstanding at a time.
type avail_t struct {
	Flags uint16
	Idx   uint16
	Ring  [1]uint16
}

type used_t struct {
	Flags uint16
	Idx   uint16
	Ring  [1]usedElem_t
}

// reqHeader_t mirrors struct vioblk_request_header, the device-read-only
// prologue of every block request.
type reqHeader_t struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}
