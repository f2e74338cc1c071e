package cli

import (
	"github.com/urfave/cli/v2"
)

var envCmd = &cli.Command{
	Name:  "env",
	Usage: "Inspect environments",
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "List the environments visible to the current credentials",
			Action: func(c *cli.Context) error {
				s := sessionFrom(c)
				client, err := s.client(c)
				if err != nil {
					return err
				}
				envs, err := client.DescribeEnvs(c.Context)
				if err != nil {
					return err
				}

				rows := make([][]string, 0, len(envs))
				for _, e := range envs {
					rows = append(rows, []string{e.EnvID, e.Alias, e.Region, e.Status, e.CreateTime})
				}
				s.table([]string{"ENV ID", "ALIAS", "REGION", "STATUS", "CREATED"}, rows)
				return nil
			},
		},
	},
}
