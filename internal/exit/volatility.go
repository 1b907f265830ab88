package exit

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// RealizedVolatility is the stdev of log returns scaled to the window length,
// a rough fraction-of-price move over the sampled period.
func RealizedVolatility(prices []float64) float64 {
	if len(prices) < 3 {
		return 0
	}
	rets := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] > 0 && prices[i] > 0 {
			rets = append(rets, math.Log(prices[i]/prices[i-1]))
		}
	}
	if len(rets) < 2 {
		return 0
	}
	return stat.StdDev(rets, nil) * math.Sqrt(float64(len(rets)))
}

// VolatilityProxy prefers ATR/price and falls back to realized volatility
func VolatilityProxy(atr, price float64, recent []float64) float64 {
	if atr > 0 && price > 0 {
		return atr / price
	}
	return RealizedVolatility(recent)
}

// PriceWindows keeps a bounded window of recent marks per instrument
type PriceWindows struct {
	mu      sync.Mutex
	size    int
	windows map[string][]float64
}

// NewPriceWindows creates windows holding at most size marks
func NewPriceWindows(size int) *PriceWindows {
	if size < 3 {
		size = 3
	}
	return &PriceWindows{size: size, windows: make(map[string][]float64)}
}

// Add records a mark and returns a copy of the window
func (w *PriceWindows) Add(key string, price float64) []float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	win := append(w.windows[key], price)
	if len(win) > w.size {
		win = win[len(win)-w.size:]
	}
	w.windows[key] = win
	return append([]float64(nil), win...)
}

// Drop forgets an instrument
func (w *PriceWindows) Drop(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.windows, key)
}
