package sales

import (
	"fmt"
	"iter"
)

// Merge combines per-channel streams, each ascending by Key, into one
// ascending stream. A stream that goes backwards yields ErrUnordered.
func Merge(streams ...iter.Seq2[Sale, error]) iter.Seq2[Sale, error] {
	return func(yield func(Sale, error) bool) {
		type head struct {
			next  func() (Sale, error, bool)
			stop  func()
			sale  Sale
			last  Key
			valid bool
		}
		heads := make([]*head, 0, len(streams))
		defer func() {
			for _, h := range heads {
				h.stop()
			}
		}()
		advance := func(h *head) error {
			sale, err, ok := h.next()
			if !ok {
				h.valid = false
				return nil
			}
			if err != nil {
				h.valid = false
				return err
			}
			if !h.last.IsZero() && sale.Key().Before(h.last) {
				h.valid = false
				return fmt.Errorf("%w: %s after %s", ErrUnordered, sale.TransactionID, h.last.TransactionID)
			}
			h.sale, h.last, h.valid = sale, sale.Key(), true
			return nil
		}
		for _, stream := range streams {
			if stream == nil {
				continue
			}
			next, stop := iter.Pull2(stream)
			h := &head{next: next, stop: stop}
			heads = append(heads, h)
			if err := advance(h); err != nil {
				yield(Sale{}, err)
				return
			}
		}
		for {
			var lowest *head
			for _, h := range heads {
				if !h.valid {
					continue
				}
				if lowest == nil || h.sale.Key().Before(lowest.sale.Key()) {
					lowest = h
				}
			}
			if lowest == nil {
				return
			}
			if !yield(lowest.sale, nil) {
				return
			}
			if err := advance(lowest); err != nil {
				yield(Sale{}, err)
				return
			}
		}
	}
}
