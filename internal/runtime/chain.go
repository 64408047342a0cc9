package runtime

// Chain is an ordered, non-empty run of requests where only the last one has
// Continue=false.
type Chain []Request

// ID returns the id of the chain's first request, which is also the id of its
// Response.
func (c Chain) ID() string {
	if len(c) == 0 {
		return ""
	}
	return c[0].ID
}

// Operations lists the operation of every step in order.
func (c Chain) Operations() []string {
	ops := make([]string, len(c))
	for i, req := range c {
		ops[i] = req.Operation
	}
	return ops
}

// FireAndForget reports whether any request in the chain is detached.
func (c Chain) FireAndForget() bool {
	for _, req := range c {
		if req.FireAndForget {
			return true
		}
	}
	return false
}

// Cacheable reports whether every request opted into the response cache.
func (c Chain) Cacheable() bool {
	if len(c) == 0 {
		return false
	}
	for _, req := range c {
		if !req.Cache {
			return false
		}
	}
	return true
}

// Chunk is a group of chains that share one resource handle.
type Chunk []Chain

// FireAndForget reports whether any request in the chunk is detached, in
// which case the whole chunk runs detached.
func (c Chunk) FireAndForget() bool {
	for _, chain := range c {
		if chain.FireAndForget() {
			return true
		}
	}
	return false
}

// ChainIDs returns the id of every chain in the chunk.
func (c Chunk) ChainIDs() []string {
	ids := make([]string, len(c))
	for i, chain := range c {
		ids[i] = chain.ID()
	}
	return ids
}

// SplitChains partitions requests into chains in a single forward pass. A
// request with Continue=false seals the working chain and its Evaluate is
// forced to true. Requests after the last Continue=false form an
// unterminated chain and are dropped. requests is not modified.
func SplitChains(requests []Request) []Chain {
	chains, _ := splitChains(requests)
	return chains
}

// splitChains also returns the dropped, unterminated tail.
func splitChains(requests []Request) ([]Chain, []Request) {
	var chains []Chain
	start := 0
	for i, req := range requests {
		if req.Continue {
			continue
		}
		chain := make(Chain, i-start+1)
		copy(chain, requests[start:i+1])
		chain[len(chain)-1].Evaluate = true
		chains = append(chains, chain)
		start = i + 1
	}
	if start < len(requests) {
		return chains, requests[start:]
	}
	return chains, nil
}

// GroupChunks groups consecutive chains into chunks of at most size chains.
// A size below one means one chain per chunk.
func GroupChunks(chains []Chain, size int) []Chunk {
	if size <= 0 {
		size = 1
	}
	chunks := make([]Chunk, 0, (len(chains)+size-1)/size)
	for start := 0; start < len(chains); start += size {
		end := min(start+size, len(chains))
		chunks = append(chunks, Chunk(chains[start:end]))
	}
	return chunks
}
