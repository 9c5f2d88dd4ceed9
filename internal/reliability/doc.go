// Package reliability holds the retry policies used by the reconnect loops.
//
// Connections and channels retry forever with a fixed delay by default:
//
//	policy := reliability.Forever() // 3s between attempts, no limit
//
// Retry wraps one-shot operations such as the initial dial:
//
//	err := reliability.Retry(ctx, reliability.NewFixedDelay(time.Second, 5), conn.Connect)
package reliability
