package main

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-tllama/internal/discover"
	"github.com/23skdu/longbow-tllama/internal/gguf"
	"github.com/23skdu/longbow-tllama/internal/template"
)

func (a *app) discoverCmd() *cobra.Command {
	var (
		all     bool
		minSize int64
	)
	cmd := &cobra.Command{
		Use:     "discover [FILTER]",
		Aliases: []string{"ls", "list"},
		Short:   "List GGUF models found on this machine",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := discover.DefaultOptions(a.settings)
			opts.All = all
			if cmd.Flags().Changed("min-size") {
				opts.MinSize = minSize
			}
			models, err := discover.Scan(cmd.Context(), opts)
			if err != nil {
				return err
			}

			var data [][]string
			for _, m := range models {
				if len(args) == 0 || strings.Contains(strings.ToLower(m.Name), strings.ToLower(args[0])) {
					data = append(data, []string{m.Name, formatBytes(m.Size), m.Source, m.Path})
				}
			}
			out := cmd.OutOrStdout()
			if len(data) == 0 {
				fmt.Fprintln(out, "no models found")
				return nil
			}

			table := tablewriter.NewWriter(out)
			table.SetHeader([]string{"NAME", "SIZE", "SOURCE", "PATH"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			table.AppendBulk(data)
			table.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Also search the HuggingFace cache")
	cmd.Flags().Int64Var(&minSize, "min-size", 0, "Skip files smaller than this many bytes (default 50 MB)")
	return cmd
}

func (a *app) inspectCmd() *cobra.Command {
	var tensors bool
	cmd := &cobra.Command{
		Use:   "inspect MODEL",
		Short: "Show the metadata and tensor layout of a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := discover.Resolve(cmd.Context(), args[0], discover.DefaultOptions(a.settings))
			if err != nil {
				return err
			}
			f, err := gguf.Open(info.Path)
			if err != nil {
				return err
			}
			defer f.Close()

			out := cmd.OutOrStdout()
			fmt.Fprint(out, gguf.Analyze(f).String())
			chat, _ := f.GetString("tokenizer.chat_template")
			tmpl := template.ForModel(chat).Name()
			if info.Template != "" {
				tmpl = "custom"
			}
			fmt.Fprintf(out, "Prompt Template:  %s\n", tmpl)

			if !tensors {
				return nil
			}
			table := tablewriter.NewWriter(out)
			table.SetHeader([]string{"NAME", "KIND", "SHAPE", "SIZE"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetBorder(false)
			for _, t := range f.Tensors {
				table.Append([]string{t.Name, t.Type.String(), fmt.Sprint(t.Shape()), formatBytes(int64(t.SizeBytes()))})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&tensors, "tensors", false, "List every tensor")
	return cmd
}
