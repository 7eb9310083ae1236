package cache

import (
	"container/list"
	"sync"
	"time"
)

type LRUOpts struct {
	Size int
	// OnEvict is called from the cache goroutine when an entry is dropped
	// because the cache is full or the entry expired. It must not call
	// back into the cache.
	OnEvict func(key string, val any)
}

type entry struct {
	key       string
	val       any
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type getReq struct {
	key  string
	resp chan getResp
}

type getResp struct {
	val any
	ok  bool
}

type putReq struct {
	key  string
	val  any
	opts PutOptions
}

type lenReq struct {
	resp chan int
}

// LRU is an in-memory cache with least-recently-used eviction. All state
// is owned by a single goroutine; methods talk to it over channels.
type LRU struct {
	getCh     chan getReq
	putCh     chan putReq
	delCh     chan string
	lenCh     chan lenReq
	done      chan struct{}
	closeOnce sync.Once
}

func NewLRU(opts LRUOpts) *LRU {
	if opts.Size <= 0 {
		opts.Size = 128
	}

	l := &LRU{
		getCh: make(chan getReq),
		putCh: make(chan putReq),
		delCh: make(chan string),
		lenCh: make(chan lenReq),
		done:  make(chan struct{}),
	}

	go l.run(opts)

	return l
}

func (l *LRU) Get(key string) (any, bool) {
	resp := make(chan getResp, 1)
	select {
	case l.getCh <- getReq{key: key, resp: resp}:
	case <-l.done:
		return nil, false
	}
	r := <-resp
	return r.val, r.ok
}

func (l *LRU) Put(key string, val any, opts ...PutOption) {
	req := putReq{key: key, val: val, opts: putOptions(opts)}
	select {
	case l.putCh <- req:
	case <-l.done:
	}
}

func (l *LRU) Delete(key string) {
	select {
	case l.delCh <- key:
	case <-l.done:
	}
}

// Len returns the number of entries, including expired entries that were
// not accessed yet.
func (l *LRU) Len() int {
	resp := make(chan int, 1)
	select {
	case l.lenCh <- lenReq{resp: resp}:
	case <-l.done:
		return 0
	}
	return <-resp
}

// Close stops the cache goroutine. Operations after Close are no-ops.
func (l *LRU) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *LRU) run(opts LRUOpts) {
	ll := list.New()
	items := make(map[string]*list.Element)

	remove := func(ele *list.Element, evicted bool) {
		e := ele.Value.(*entry)
		ll.Remove(ele)
		delete(items, e.key)
		if evicted && opts.OnEvict != nil {
			opts.OnEvict(e.key, e.val)
		}
	}

	for {
		select {
		case <-l.done:
			return
		case req := <-l.getCh:
			ele, ok := items[req.key]
			if !ok {
				req.resp <- getResp{}
				continue
			}
			if ele.Value.(*entry).expired(time.Now()) {
				remove(ele, true)
				req.resp <- getResp{}
				continue
			}
			ll.MoveToFront(ele)
			req.resp <- getResp{val: ele.Value.(*entry).val, ok: true}
		case req := <-l.putCh:
			var expiresAt time.Time
			if req.opts.TTL > 0 {
				expiresAt = time.Now().Add(req.opts.TTL)
			}
			if ele, ok := items[req.key]; ok {
				ll.MoveToFront(ele)
				e := ele.Value.(*entry)
				e.val = req.val
				e.expiresAt = expiresAt
				continue
			}
			items[req.key] = ll.PushFront(&entry{key: req.key, val: req.val, expiresAt: expiresAt})
			if ll.Len() > opts.Size {
				if last := ll.Back(); last != nil {
					remove(last, true)
				}
			}
		case key := <-l.delCh:
			if ele, ok := items[key]; ok {
				remove(ele, false)
			}
		case req := <-l.lenCh:
			req.resp <- ll.Len()
		}
	}
}

var _ Cache = (*LRU)(nil)
