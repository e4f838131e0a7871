package cmd

import (
	"fmt"
	"strings"

	"github.com/cretz/omm/pkg/dictionary"
	"github.com/spf13/cobra"
)

func dictionaryCmd() *cobra.Command {
	var fields []string
	cmd := applyRun(
		&cobra.Command{
			Use:   "dictionary [FILE]",
			Short: "Check a field dictionary file, or the built-in one when no file is given",
			Args:  cobra.MaximumNArgs(1),
		},
		nil,
		func(ctx *rootContext) error {
			d := dictionary.Default()
			if len(ctx.args) == 1 {
				var err error
				if d, err = dictionary.LoadFile(ctx.args[0]); err != nil {
					return err
				}
			}
			out := ctx.cmd.OutOrStdout()
			fmt.Fprintf(out, "%v fields\n", d.Len())
			for _, acronym := range fields {
				f, ok := d.FieldByAcronym(strings.ToUpper(acronym))
				if !ok {
					return fmt.Errorf("unknown field %v", acronym)
				}
				fmt.Fprintf(out, "%v fid=%v type=%v %v\n", f.Acronym, f.ID, f.Type, f.FieldType)
			}
			return nil
		},
	)
	cmd.Flags().StringSliceVarP(&fields, "field", "f", nil, "Field acronyms to show")
	return cmd
}
