package topology

import (
	"fmt"
	"net"
	"slices"
	"strconv"

	"github.com/10yihang/treenet/internal/packet"
)

type Rank = packet.Rank
type Port = packet.Port

type Node struct {
	Rank     Rank
	Host     string
	Port     Port
	Parent   Rank
	Children []Rank
	Internal bool
	Failed   bool
}

func (n *Node) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(int(n.Port)))
}

func (n *Node) String() string {
	return fmt.Sprintf("%s:%d:%d", n.Host, n.Port, n.Rank)
}

func (n *Node) IsLeaf() bool {
	return len(n.Children) == 0
}

func (n *Node) HasChild(r Rank) bool {
	_, ok := slices.BinarySearch(n.Children, r)
	return ok
}

func (n *Node) addChild(r Rank) {
	i, ok := slices.BinarySearch(n.Children, r)
	if !ok {
		n.Children = slices.Insert(n.Children, i, r)
	}
}

func (n *Node) removeChild(r Rank) {
	if i, ok := slices.BinarySearch(n.Children, r); ok {
		n.Children = slices.Delete(n.Children, i, i+1)
	}
}

func (n *Node) Clone() *Node {
	c := *n
	c.Children = slices.Clone(n.Children)
	return &c
}
