// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package ads

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

const sumReadItemSize = 12

// SumReader reads many variables by handle in as few round trips as the
// item limit allows.
type SumReader struct {
	transport Transport
	limit     int
	metrics   *Metrics
	logger    zerolog.Logger
}

// NewSumReader creates a reader that sends at most SumReadLimit items per request.
func NewSumReader(transport Transport, metrics *Metrics, logger zerolog.Logger) *SumReader {
	return &SumReader{transport: transport, limit: SumReadLimit, metrics: metrics, logger: logger}
}

// ReadMany reads every symbol in items, keyed by its handle. Requests are
// split into chunks of ascending handles. Only items the device reported
// as successful appear in the result; a failed item is signalled by its
// absence.
func (r *SumReader) ReadMany(ctx context.Context, items map[uint32]*Symbol) (map[*Symbol][]byte, error) {
	result := make(map[*Symbol][]byte, len(items))
	if len(items) == 0 {
		return result, nil
	}
	handles := make([]uint32, 0, len(items))
	for h := range items {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	for start := 0; start < len(handles); start += r.limit {
		end := min(start+r.limit, len(handles))
		if err := r.readChunk(ctx, handles[start:end], items, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Request, per item:
//
//	Index group           : 4 bytes (0xF005)
//	Index offset          : 4 bytes (handle)
//	Length                : 4 bytes
//
// Response:
//
//	Result                : 4 bytes per item
//	Data                  : N bytes
func (r *SumReader) readChunk(ctx context.Context, handles []uint32, items map[uint32]*Symbol, result map[*Symbol][]byte) error {
	n := len(handles)
	request := make([]byte, sumReadItemSize*n)
	full := 4 * n
	for i, h := range handles {
		item := request[sumReadItemSize*i:]
		binary.LittleEndian.PutUint32(item, IndexGroupSymbolValueByHandle)
		binary.LittleEndian.PutUint32(item[4:], h)
		binary.LittleEndian.PutUint32(item[8:], items[h].Size)
		full += int(items[h].Size)
	}
	response := make([]byte, full)
	r.metrics.sumRead()
	read, err := r.transport.ReadWrite(ctx, IndexGroupSumRead, uint32(n), response, request)
	if err != nil {
		return fmt.Errorf("ads: sum read of %d items: %w", n, err)
	}
	if read < 4*n {
		return fmt.Errorf("%w: sum read returned '%d' bytes for '%d' results", ErrIncompleteResponse, read, n)
	}

	compact := 4 * n
	failed := 0
	for i, h := range handles {
		if binary.LittleEndian.Uint32(response[4*i:]) == 0 {
			compact += int(items[h].Size)
		} else {
			failed++
		}
	}
	// A device either keeps a slot for every item or packs the payloads
	// of the successful ones.
	packed := read != full
	if packed && read < compact {
		return fmt.Errorf("%w: sum read returned '%d' bytes, expected '%d'", ErrIncompleteResponse, read, compact)
	}

	offset := 4 * n
	for i, h := range handles {
		s := items[h]
		size := int(s.Size)
		code := binary.LittleEndian.Uint32(response[4*i:])
		if code != 0 {
			r.logger.Debug().Str("path", s.Path).Uint32("handle", h).Err(resultError(code)).Msg("ads: sum read item failed")
			if !packed {
				offset += size
			}
			continue
		}
		data := make([]byte, size)
		copy(data, response[offset:offset+size])
		result[s] = data
		offset += size
	}
	r.metrics.sumReadItems(n-failed, failed)
	return nil
}
