package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-tllama/internal/arrow_client"
	"github.com/23skdu/longbow-tllama/internal/metrics"
	"github.com/23skdu/longbow-tllama/internal/server"
)

func (a *app) embedCmd() *cobra.Command {
	var (
		flightAddr string
		dataset    string
		out        string
		ctxLen     int
	)
	cmd := &cobra.Command{
		Use:   "embed MODEL TEXT...",
		Short: "Compute embeddings and export them as Arrow records",
		Long: `Compute one embedding per TEXT argument. The rows are written to an
Arrow IPC file with --out, sent to an Arrow Flight service with --flight
(or TLLAMA_FLIGHT_ADDR), or printed as JSON lines when neither is set.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			defer a.close()
			e, err := a.models().Get(ctx, args[0])
			if err != nil {
				return err
			}
			defer e.Release()

			texts := args[1:]
			batch := make([][]int32, len(texts))
			for i, text := range texts {
				if batch[i], err = e.Model.Tokenizer.Encode(text, true); err != nil {
					return err
				}
			}
			vecs, err := server.Embed(ctx, e, ctxLen, batch)
			if err != nil {
				return err
			}

			rows := make([]arrow_client.Embedding, len(vecs))
			for i, v := range vecs {
				rows[i] = arrow_client.Embedding{ID: uuid.NewString(), Model: args[0], Text: texts[i], Vector: v}
			}

			w := cmd.OutOrStdout()
			if flightAddr == "" {
				flightAddr = a.settings.FlightAddr
			}
			if out == "" && flightAddr == "" {
				enc := json.NewEncoder(w)
				for _, r := range rows {
					if err := enc.Encode(map[string]any{"id": r.ID, "text": r.Text, "embedding": r.Vector}); err != nil {
						return err
					}
				}
				return nil
			}

			if out != "" {
				if err := arrow_client.WriteFile(out, rows); err != nil {
					return err
				}
				metrics.RecordEmbeddingsExported("file", len(rows))
				fmt.Fprintf(w, "wrote %d embeddings to %s\n", len(rows), out)
			}
			if flightAddr != "" {
				client, err := arrow_client.NewFlightClient(flightAddr)
				if err != nil {
					return err
				}
				if err := client.Connect(ctx); err != nil {
					return err
				}
				defer client.Close()
				n, err := client.DoPut(ctx, dataset, rows)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "sent %d embeddings to %s/%s\n", n, client.Addr(), dataset)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&flightAddr, "flight", "", "Arrow Flight address (host:port)")
	flags.StringVar(&dataset, "dataset", "embeddings", "Flight descriptor path for the upload")
	flags.StringVar(&out, "out", "", "Write an Arrow IPC file")
	flags.IntVar(&ctxLen, "ctx", 0, "Context size, 0 for the model's")
	return cmd
}
