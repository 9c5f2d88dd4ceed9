package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/burrow"
	"github.com/glimte/burrow/messaging"
	"github.com/glimte/burrow/serialization"
)

func newConsumeCommand(flags *globalFlags) *cobra.Command {
	var (
		cfg  messaging.ConsumerConfig
		keys []string
		raw  bool
	)

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Print messages routed to a queue",
		Long:  "Declare a queue, bind it to an exchange and print every message as a JSON line until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := flags.load()
			if err != nil {
				return err
			}
			merged := conf.Consumer
			overrideConsumer(cmd, &merged, cfg, keys)

			return run(cmd.Context(), conf, func(ctx context.Context, client *burrow.Client, log *zap.Logger) error {
				consumer := client.NewConsumer(merged, codecOptions(raw)...)
				consumer.OnMessage(func(key string, payload any, d amqp.Delivery) {
					if err := printJSON(map[string]any{"routingKey": key, "payload": printable(payload)}); err != nil {
						log.Warn("failed to print message", zap.Error(err))
					}
					if merged.Ack {
						_ = d.Ack(false)
					}
				})
				if err := consumer.Listen(ctx); err != nil {
					log.Warn("consumer not ready yet, retrying in background", zap.Error(err))
				}
				log.Info("consuming", zap.String("exchange", merged.Exchange), zap.String("queue", consumer.Queue()))

				<-ctx.Done()
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&cfg.Exchange, "exchange", "e", "", "Exchange to bind to")
	cmd.Flags().StringVarP(&cfg.Queue, "queue", "q", "", "Queue name (empty for a broker-named queue)")
	cmd.Flags().StringSliceVarP(&keys, "key", "k", nil, "Binding key, may be repeated (default \"#\")")
	cmd.Flags().BoolVar(&cfg.Ack, "ack", false, "Acknowledge messages manually")
	cmd.Flags().BoolVar(&cfg.Durable, "durable", false, "Declare a durable queue")
	cmd.Flags().BoolVar(&cfg.CreateExchange, "create-exchange", false, "Declare the exchange before binding")
	cmd.Flags().StringVar(&cfg.ExchangeType, "exchange-type", "topic", "Exchange type used with --create-exchange")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print message bodies as text instead of decoding JSON")
	return cmd
}

// codecOptions selects the raw codec, which passes bodies through as bytes.
func codecOptions(raw bool) []messaging.Option {
	if !raw {
		return nil
	}
	return []messaging.Option{messaging.WithCodec(serialization.RawCodec{})}
}

func printable(payload any) any {
	if b, ok := payload.([]byte); ok {
		return string(b)
	}
	return payload
}

// overrideConsumer copies explicitly set flags over the configured values.
func overrideConsumer(cmd *cobra.Command, dst *messaging.ConsumerConfig, src messaging.ConsumerConfig, keys []string) {
	f := cmd.Flags()
	if f.Changed("exchange") {
		dst.Exchange = src.Exchange
	}
	if f.Changed("queue") {
		dst.Queue = src.Queue
	}
	if f.Changed("key") {
		dst.Keys = keys
	}
	if f.Changed("ack") {
		dst.Ack = src.Ack
	}
	if f.Changed("durable") {
		dst.Durable = src.Durable
	}
	if f.Changed("create-exchange") {
		dst.CreateExchange = src.CreateExchange
	}
	if f.Changed("exchange-type") || dst.ExchangeType == "" {
		dst.ExchangeType = src.ExchangeType
	}
}

func newSendCommand(flags *globalFlags) *cobra.Command {
	var (
		exchange string
		delay    time.Duration
		raw      bool
	)

	cmd := &cobra.Command{
		Use:   "send <routing-key> <payload>",
		Short: "Publish one message",
		Long:  "Publish a payload to an exchange. The payload is sent as JSON when it parses as JSON, otherwise as a JSON string. --raw sends it untouched.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := flags.load()
			if err != nil {
				return err
			}
			pc := conf.Producer
			if cmd.Flags().Changed("exchange") {
				pc.Exchange = exchange
			}

			var payload any = []byte(args[1])
			if !raw {
				payload = parseJSONArgs(args[1:])[0]
			}

			return run(cmd.Context(), conf, func(ctx context.Context, client *burrow.Client, log *zap.Logger) error {
				producer := client.NewProducer(pc, codecOptions(raw)...)
				if err := producer.Init(ctx); err != nil {
					return err
				}
				if err := producer.Send(ctx, args[0], payload, messaging.WithDelay(delay)); err != nil {
					return err
				}
				log.Info("message sent", zap.String("exchange", pc.Exchange), zap.String("routingKey", args[0]))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&exchange, "exchange", "e", "", "Exchange to publish to (empty for the default exchange)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Wait this long before publishing")
	cmd.Flags().BoolVar(&raw, "raw", false, "Send the payload bytes as is with an octet-stream content type")
	return cmd
}

func newRPCServeCommand(flags *globalFlags) *cobra.Command {
	var (
		queue    string
		prefetch int
	)

	cmd := &cobra.Command{
		Use:   "rpc-serve",
		Short: "Serve the built-in add and echo operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := flags.load()
			if err != nil {
				return err
			}
			sc := conf.RPCServer
			if cmd.Flags().Changed("queue") || sc.Queue == "" {
				sc.Queue = queue
			}
			if cmd.Flags().Changed("prefetch") {
				sc.PrefetchCount = prefetch
			}

			return run(cmd.Context(), conf, func(ctx context.Context, client *burrow.Client, log *zap.Logger) error {
				server, err := client.NewRPCServer(builtinHandlers(), sc)
				if err != nil {
					return err
				}
				if err := server.Init(ctx); err != nil {
					log.Warn("server not ready yet, retrying in background", zap.Error(err))
				}
				<-ctx.Done()
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "burrow.rpc", "Queue to serve")
	cmd.Flags().IntVar(&prefetch, "prefetch", 10, "Maximum requests handled at once")
	return cmd
}

func builtinHandlers() messaging.Handlers {
	return messaging.Handlers{
		"add": func(_ context.Context, p messaging.Params) (any, error) {
			total := 0.0
			for i := 0; i < p.Len(); i++ {
				var n float64
				if err := p.Decode(i, &n); err != nil {
					return nil, err
				}
				total += n
			}
			return total, nil
		},
		"echo": func(_ context.Context, p messaging.Params) (any, error) {
			out := make([]json.RawMessage, p.Len())
			copy(out, p)
			return out, nil
		},
	}
}

func newRPCCallCommand(flags *globalFlags) *cobra.Command {
	var (
		queue   string
		timeout time.Duration
		count   int
	)

	cmd := &cobra.Command{
		Use:   "rpc-call <operation> [params...]",
		Short: "Call an RPC operation",
		Long:  "Call an operation and print the result. Each param is sent as JSON when it parses as JSON, otherwise as a string.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := flags.load()
			if err != nil {
				return err
			}
			cc := conf.RPCClient
			if cmd.Flags().Changed("queue") || cc.Queue == "" {
				cc.Queue = queue
			}
			if cmd.Flags().Changed("timeout") || cc.Timeout == 0 {
				cc.Timeout = timeout
			}
			if count < 1 {
				return errors.New("--count must be at least 1")
			}

			operation, params := args[0], parseJSONArgs(args[1:])

			return run(cmd.Context(), conf, func(ctx context.Context, client *burrow.Client, log *zap.Logger) error {
				rpc, err := client.NewRPCClient(cc)
				if err != nil {
					return err
				}
				if err := rpc.Init(ctx); err != nil {
					return err
				}

				var failed atomic.Int32
				g, gctx := errgroup.WithContext(ctx)
				g.SetLimit(64)
				for i := 0; i < count; i++ {
					i := i
					g.Go(func() error {
						res, err := rpc.Exec(gctx, operation, params)
						if err != nil {
							failed.Add(1)
							log.Error("call failed", zap.Error(err), zap.Int("call", i))
							var remote *messaging.RemoteError
							if errors.As(err, &remote) {
								return nil
							}
							return err
						}
						return printJSON(res.Raw)
					})
				}
				if err := g.Wait(); err != nil {
					return err
				}
				if n := failed.Load(); n > 0 {
					return fmt.Errorf("%d of %d calls failed", n, count)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "burrow.rpc", "Queue the server listens on")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Per call timeout")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of concurrent calls")
	return cmd
}

func newDeleteQueueCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-queue <name>",
		Short: "Delete a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := flags.load()
			if err != nil {
				return err
			}
			return run(cmd.Context(), conf, func(ctx context.Context, client *burrow.Client, _ *zap.Logger) error {
				n, err := client.DeleteQueue(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("deleted queue %s (%d messages)\n", args[0], n)
				return nil
			})
		},
	}
}
