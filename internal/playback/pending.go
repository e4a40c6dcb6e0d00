package playback

import (
	"cmp"

	"github.com/INLOpen/skiplist"
	"github.com/basekick-labs/arcplay/internal/message"
)

// pending holds the decoded messages of one window ordered by log time.
// Messages sharing a timestamp keep insertion order. A queue is filled
// once, drained once, then dropped.
type pending struct {
	list *skiplist.SkipList[int64, *[]message.Message]
	iter *skiplist.Iterator[int64, *[]message.Message]
	head []message.Message
	pos  int
	n    int
}

func newPending() *pending {
	return &pending{list: skiplist.NewWithComparator[int64, *[]message.Message](cmp.Compare[int64])}
}

func (p *pending) push(msg message.Message) {
	p.n++
	if node, ok := p.list.Seek(msg.LogTime); ok && node.Key() == msg.LogTime {
		group := node.Value()
		*group = append(*group, msg)
		return
	}
	group := []message.Message{msg}
	p.list.Insert(msg.LogTime, &group)
}

// Len is the number of messages pushed.
func (p *pending) Len() int { return p.n }

// pop returns the earliest remaining message.
func (p *pending) pop() (message.Message, bool) {
	if p.iter == nil {
		p.iter = p.list.NewIterator()
	}
	for p.pos >= len(p.head) {
		if !p.iter.Next() {
			return message.Message{}, false
		}
		p.head = *p.iter.Value()
		p.pos = 0
	}
	msg := p.head[p.pos]
	p.pos++
	return msg, true
}
