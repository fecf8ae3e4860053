package ofp4sw

// Ingress is a frame arriving on a port.
type Ingress struct {
	InPort uint32
	Frame  *Frame
}

/*
mapReduce implements a streaming map-reduce operation.

mapFn runs concurrently on up to workers items, while reduceFn runs in
serial and in the order the items arrived.
*/
func mapReduce[T, R any](items <-chan T, workers int, mapFn func(T) R, reduceFn func(T, R)) {
	if workers < 1 {
		workers = 1
	}
	type result struct {
		item T
		ret  chan R
	}
	serials := make(chan result, workers)
	go func() {
		for item := range items {
			r := result{item: item, ret: make(chan R, 1)}
			serials <- r
			go func() {
				r.ret <- mapFn(r.item)
			}()
		}
		close(serials)
	}()
	for r := range serials {
		reduceFn(r.item, <-r.ret)
	}
}

/*
ReceiveAll runs frames through the pipeline with up to workers frames in
flight. Outputs are dispatched in arrival order. It returns after frames
is closed and drained, with the number of frames received.
*/
func (sw *Switch) ReceiveAll(frames <-chan Ingress, workers int) int {
	count := 0
	mapReduce(frames, workers,
		func(in Ingress) []Output {
			if !sw.ingress(in.InPort, in.Frame) {
				return nil
			}
			return sw.pipeline.Process(in.Frame)
		},
		func(in Ingress, outs []Output) {
			count++
			sw.dispatch(in.InPort, outs)
		})
	return count
}
