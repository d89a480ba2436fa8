package crawler

// watermark 记录乱序完成的区块，返回连续完成的最高区块号
//
// 失败的区块永远不会完成，水位停在它之前。
type watermark struct {
	next    uint64
	pending map[uint64]struct{}

	blocked bool
	failed  uint64
}

func newWatermark(start uint64) *watermark {
	return &watermark{next: start, pending: make(map[uint64]struct{})}
}

// fail 标记区块失败，之后的区块不再记录
func (w *watermark) fail(number uint64) {
	if number < w.next {
		return
	}
	if !w.blocked || number < w.failed {
		w.blocked = true
		w.failed = number
		for n := range w.pending {
			if n > number {
				delete(w.pending, n)
			}
		}
	}
}

// done 标记区块完成；连续前缀推进时返回新的最高区块号
func (w *watermark) done(number uint64) (uint64, bool) {
	if number < w.next || (w.blocked && number > w.failed) {
		return 0, false
	}
	w.pending[number] = struct{}{}

	advanced := false
	for {
		if _, ok := w.pending[w.next]; !ok {
			break
		}
		delete(w.pending, w.next)
		w.next++
		advanced = true
	}
	if !advanced {
		return 0, false
	}
	return w.next - 1, true
}
