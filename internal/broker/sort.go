package broker

import (
	"sort"

	"github.com/snehjoshi/epochmq/internal/liveness"
)

func sortWorkers(ws []liveness.Worker) {
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].Queue != ws[j].Queue {
			return ws[i].Queue.String() < ws[j].Queue.String()
		}
		return ws[i].WorkerID < ws[j].WorkerID
	})
}
