package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/boxopt/internal/optimization"
	"github.com/copyleftdev/boxopt/internal/optimization/objectives"
)

func newParamsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "params",
		Short: "List engine parameters and their defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defaults := optimization.DefaultParameters()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDEFAULT")
			for _, key := range optimization.ParameterKeys() {
				value, err := defaults.Get(key)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%g\n", key, value)
			}
			return w.Flush()
		},
	}
}

func newObjectivesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "objectives",
		Short: "List catalog objectives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDIMENSIONS\tGRADIENT\tDESCRIPTION")
			for _, def := range objectives.All() {
				gradient := "analytic"
				if !def.Analytic {
					gradient = "finite-difference"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", def.Name, dimensions(def), gradient, def.Description)
			}
			return w.Flush()
		},
	}
}

func dimensions(def objectives.Definition) string {
	switch {
	case def.MaxDimension == 0:
		return strconv.Itoa(def.MinDimension) + "+"
	case def.MinDimension == def.MaxDimension:
		return strconv.Itoa(def.MinDimension)
	default:
		return strconv.Itoa(def.MinDimension) + "-" + strconv.Itoa(def.MaxDimension)
	}
}
