// Package cowtree implements the on-disk node format and the
// search/insert/delete/split algorithms of a single copy-on-write
// B+-tree, plus the Tree/Forrest plumbing that lets many such trees
// share one block store. Delete does not rebalance: it only removes
// nodes that have become empty, so underfull nodes are left as they
// are.
package cowtree

import (
	"fmt"

	"git.lukeshu.dev/cowtree/lib/codec"
	"git.lukeshu.dev/cowtree/lib/containers"
	"git.lukeshu.dev/cowtree/lib/cowerr"
	"git.lukeshu.dev/cowtree/lib/cowitem"
	"git.lukeshu.dev/cowtree/lib/cowprim"
)

var (
	nodeHeaderSize = codec.StaticSize(NodeHeader{})
	keyPointerSize = codec.StaticSize(KeyPointer{})
	itemHeaderSize = codec.StaticSize(ItemHeader{})
)

// NodeFlags is a small per-node bitset; it carries no addressing
// information of its own, unlike the volume-manager flags the teacher
// tree mixes into the same field.
type NodeFlags uint8

const (
	NodeWritten NodeFlags = 1 << iota
)

func (f NodeFlags) Has(req NodeFlags) bool { return f&req == req }

func (f NodeFlags) String() string {
	if f.Has(NodeWritten) {
		return "WRITTEN"
	}
	return fmt.Sprintf("%#02x", uint8(f))
}

func (NodeFlags) BinaryStaticSize() int { return 1 }

func (f NodeFlags) MarshalBinary() ([]byte, error) {
	return []byte{uint8(f)}, nil
}

func (f *NodeFlags) UnmarshalBinary(dat []byte) (int, error) {
	if len(dat) < 1 {
		return 0, fmt.Errorf("NodeFlags: need at least 1 byte, have %d", len(dat))
	}
	*f = NodeFlags(dat[0])
	return 1, nil
}

var (
	_ codec.StaticSizer = NodeFlags(0)
	_ codec.Marshaler   = NodeFlags(0)
	_ codec.Unmarshaler = (*NodeFlags)(nil)
)

// NodeHeader is the 48-byte header that precedes every node's body
// (spec: "header (48 B packed little-endian, schema per §3)"); it
// carries exactly the fields the spec names and nothing from the
// volume-manager or checksum-algorithm layers this engine doesn't own.
type NodeHeader struct {
	Checksum      cowprim.CSum        `bin:"off=0x0,  siz=0x4"`
	FSID          cowprim.UUID        `bin:"off=0x4,  siz=0x10"`
	Addr          cowprim.LogicalAddr `bin:"off=0x14, siz=0x8"`
	Owner         cowprim.ObjID       `bin:"off=0x1c, siz=0x8"`
	Generation    cowprim.Generation  `bin:"off=0x24, siz=0x8"`
	NumItems      uint16              `bin:"off=0x2c, siz=0x2"`
	Level         uint8               `bin:"off=0x2e, siz=0x1"`
	Flags         NodeFlags           `bin:"off=0x2f, siz=0x1"`
	codec.End     `bin:"off=0x30"`
}

type KeyPointer struct {
	Key        cowprim.Key         `bin:"off=0x0,  siz=0x11"`
	BlockPtr   cowprim.LogicalAddr `bin:"off=0x11, siz=0x8"`
	Generation cowprim.Generation  `bin:"off=0x19, siz=0x8"`
	codec.End  `bin:"off=0x21"`
}

type ItemHeader struct {
	Key        cowprim.Key `bin:"off=0x0,  siz=0x11"`
	DataOffset uint32      `bin:"off=0x11, siz=0x4"` // [ignored-when-writing] relative to the end of the header
	DataSize   uint32      `bin:"off=0x15, siz=0x4"` // [ignored-when-writing]
	codec.End  `bin:"off=0x19"`
}

type Item struct {
	Key      cowprim.Key
	BodySize uint32 // [ignored-when-writing]
	Body     cowitem.Item
}

// Node is a single in-memory decoding of one on-disk block: either an
// interior node (BodyInterior, Level>0) or a leaf (BodyLeaf, Level==0),
// never both.
type Node struct {
	Size uint32 // the tree's configured node size

	Head NodeHeader

	BodyInterior []KeyPointer
	BodyLeaf     []Item

	Padding []byte
}

var itemPool containers.SlicePool[Item]

func (node Node) MaxItems() uint32 {
	bodyBytes := node.Size - uint32(nodeHeaderSize)
	if node.Head.Level > 0 {
		return bodyBytes / uint32(keyPointerSize)
	}
	return bodyBytes / uint32(itemHeaderSize)
}

func (node Node) MinItem() (cowprim.Key, bool) {
	if node.Head.Level > 0 {
		if len(node.BodyInterior) == 0 {
			return cowprim.Key{}, false
		}
		return node.BodyInterior[0].Key, true
	}
	if len(node.BodyLeaf) == 0 {
		return cowprim.Key{}, false
	}
	return node.BodyLeaf[0].Key, true
}

func (node Node) MaxItem() (cowprim.Key, bool) {
	if node.Head.Level > 0 {
		if len(node.BodyInterior) == 0 {
			return cowprim.Key{}, false
		}
		return node.BodyInterior[len(node.BodyInterior)-1].Key, true
	}
	if len(node.BodyLeaf) == 0 {
		return cowprim.Key{}, false
	}
	return node.BodyLeaf[len(node.BodyLeaf)-1].Key, true
}

// LeafFreeSpace returns the number of unused body bytes in a leaf,
// i.e. how much room is left before a split is required.
func (node *Node) LeafFreeSpace() uint32 {
	if node.Head.Level > 0 {
		panic(fmt.Errorf("cowtree: Node.LeafFreeSpace: not a leaf node"))
	}
	free := node.Size - uint32(nodeHeaderSize)
	for _, item := range node.BodyLeaf {
		free -= uint32(itemHeaderSize)
		bs, _ := codec.Marshal(item.Body)
		free -= uint32(len(bs))
	}
	return free
}

// InteriorFreeSpace is LeafFreeSpace's counterpart for interior nodes,
// where every key-pointer is the same fixed width.
func (node *Node) InteriorFreeSpace() uint32 {
	if node.Head.Level == 0 {
		panic(fmt.Errorf("cowtree: Node.InteriorFreeSpace: not an interior node"))
	}
	return node.Size - uint32(nodeHeaderSize) - uint32(len(node.BodyInterior))*uint32(keyPointerSize)
}

func (node Node) CalculateChecksum(sum cowprim.SumFunc) (cowprim.CSum, error) {
	data, err := codec.Marshal(node)
	if err != nil {
		return cowprim.CSum{}, err
	}
	return sum(data[len(node.Head.Checksum):])
}

func (node Node) ValidateChecksum(sum cowprim.SumFunc) error {
	stored := node.Head.Checksum
	calced, err := node.CalculateChecksum(sum)
	if err != nil {
		return err
	}
	if calced != stored {
		return fmt.Errorf("%w: node checksum mismatch: stored=%v calculated=%v", cowerr.BadBlock, stored, calced)
	}
	return nil
}

func (node *Node) UnmarshalBinary(nodeBuf []byte) (int, error) {
	*node = Node{Size: uint32(len(nodeBuf))}
	if len(nodeBuf) <= nodeHeaderSize {
		return 0, fmt.Errorf("cowtree: node size must be greater than %d, but is %d", nodeHeaderSize, len(nodeBuf))
	}
	n, err := codec.Unmarshal(nodeBuf, &node.Head)
	if err != nil {
		return n, err
	}
	if n != nodeHeaderSize {
		return n, fmt.Errorf("cowtree: header consumed %d bytes but expected %d", n, nodeHeaderSize)
	}
	if node.Head.Level > 0 {
		_n, err := node.unmarshalInterior(nodeBuf[n:])
		n += _n
		if err != nil {
			return n, fmt.Errorf("cowtree: interior: %w", err)
		}
	} else {
		_n, err := node.unmarshalLeaf(nodeBuf[n:])
		n += _n
		if err != nil {
			return n, fmt.Errorf("cowtree: leaf: %w", err)
		}
	}
	if n != len(nodeBuf) {
		return n, fmt.Errorf("cowtree: left over data: got %d bytes but only consumed %d", len(nodeBuf), n)
	}
	return n, nil
}

func (node Node) MarshalBinary() ([]byte, error) {
	if node.Size == 0 {
		return nil, fmt.Errorf("cowtree: Node.Size must be set")
	}
	if node.Size <= uint32(nodeHeaderSize) {
		return nil, fmt.Errorf("cowtree: Node.Size must be greater than %d, but is %d", nodeHeaderSize, node.Size)
	}
	if node.Head.Level > 0 {
		node.Head.NumItems = uint16(len(node.BodyInterior))
	} else {
		node.Head.NumItems = uint16(len(node.BodyLeaf))
	}

	buf := make([]byte, node.Size)
	bs, err := codec.Marshal(node.Head)
	if err != nil {
		return buf, err
	}
	if len(bs) != nodeHeaderSize {
		return nil, fmt.Errorf("cowtree: header is %d bytes but expected %d", len(bs), nodeHeaderSize)
	}
	copy(buf, bs)

	if node.Head.Level > 0 {
		if err := node.marshalInteriorTo(buf[nodeHeaderSize:]); err != nil {
			return buf, err
		}
	} else {
		if err := node.marshalLeafTo(buf[nodeHeaderSize:]); err != nil {
			return buf, err
		}
	}
	return buf, nil
}

func (node *Node) unmarshalInterior(bodyBuf []byte) (int, error) {
	n := 0
	node.BodyInterior = make([]KeyPointer, node.Head.NumItems)
	for i := range node.BodyInterior {
		_n, err := codec.Unmarshal(bodyBuf[n:], &node.BodyInterior[i])
		n += _n
		if err != nil {
			return n, fmt.Errorf("key-pointer %d: %w", i, err)
		}
	}
	node.Padding = bodyBuf[n:]
	return len(bodyBuf), nil
}

func (node *Node) marshalInteriorTo(bodyBuf []byte) error {
	n := 0
	for i, kp := range node.BodyInterior {
		bs, err := codec.Marshal(kp)
		if err != nil {
			return fmt.Errorf("key-pointer %d: %w", i, err)
		}
		if copy(bodyBuf[n:], bs) < len(bs) {
			return fmt.Errorf("key-pointer %d: not enough space", i)
		}
		n += len(bs)
	}
	if copy(bodyBuf[n:], node.Padding) < len(node.Padding) {
		return fmt.Errorf("padding: not enough space")
	}
	return nil
}

func (node *Node) unmarshalLeaf(bodyBuf []byte) (int, error) {
	head := 0
	tail := len(bodyBuf)
	node.BodyLeaf = itemPool.Get(int(node.Head.NumItems))
	var itemHead ItemHeader
	for i := range node.BodyLeaf {
		itemHead = ItemHeader{}
		n, err := codec.Unmarshal(bodyBuf[head:], &itemHead)
		head += n
		if err != nil {
			return 0, fmt.Errorf("item %d: head: %w", i, err)
		}
		if head > tail {
			return 0, fmt.Errorf("item %d: head end_offset=%#x overruns body (tail=%#x)", i, head, tail)
		}
		dataOff := int(itemHead.DataOffset)
		if dataOff < head {
			return 0, fmt.Errorf("item %d: body beg_offset=%#x is inside the head section (<%#x)", i, dataOff, head)
		}
		dataSize := int(itemHead.DataSize)
		if dataOff+dataSize != tail {
			return 0, fmt.Errorf("item %d: body end_offset=%#x does not equal current tail=%#x", i, dataOff+dataSize, tail)
		}
		tail = dataOff
		dataBuf := bodyBuf[dataOff : dataOff+dataSize]

		node.BodyLeaf[i] = Item{
			Key:      itemHead.Key,
			BodySize: itemHead.DataSize,
			Body:     cowitem.UnmarshalItem(itemHead.Key, dataBuf),
		}
	}
	node.Padding = bodyBuf[head:tail]
	return len(bodyBuf), nil
}

func (node *Node) marshalLeafTo(bodyBuf []byte) error {
	head := 0
	tail := len(bodyBuf)
	for i, item := range node.BodyLeaf {
		itemBodyBuf, err := codec.Marshal(item.Body)
		if err != nil {
			return fmt.Errorf("item %d: body: %w", i, err)
		}
		itemHeadBuf, err := codec.Marshal(ItemHeader{
			Key:        item.Key,
			DataSize:   uint32(len(itemBodyBuf)),
			DataOffset: uint32(tail - len(itemBodyBuf)),
		})
		if err != nil {
			return fmt.Errorf("item %d: head: %w", i, err)
		}
		if tail-head < len(itemHeadBuf)+len(itemBodyBuf) {
			return fmt.Errorf("item %d: not enough space: need %d, have %d",
				i, len(itemHeadBuf)+len(itemBodyBuf), tail-head)
		}
		copy(bodyBuf[head:], itemHeadBuf)
		head += len(itemHeadBuf)
		tail -= len(itemBodyBuf)
		copy(bodyBuf[tail:], itemBodyBuf)
	}
	if copy(bodyBuf[head:tail], node.Padding) < len(node.Padding) {
		return fmt.Errorf("padding: not enough space")
	}
	return nil
}

func (node *Node) Free() {
	if node == nil {
		return
	}
	itemPool.Put(node.BodyLeaf)
	*node = Node{}
}
