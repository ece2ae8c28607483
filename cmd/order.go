package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/recherche-engine/internal/config"
	"github.com/sells-group/recherche-engine/internal/order"
)

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Manage partner orders",
}

var orderCreateFlags requestFlags

var orderCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Place an order and reserve its credits",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		req, err := orderCreateFlags.request()
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, config.ModeDB)
		if err != nil {
			return err
		}
		defer env.Close()

		o, err := env.Manager.Create(ctx, req)
		if err != nil {
			return err
		}
		return render(os.Stdout, o)
	},
}

var orderPartner string

var orderGetCmd = &cobra.Command{
	Use:   "get <order-id>",
	Short: "Show an order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeDB)
		if err != nil {
			return err
		}
		defer env.Close()

		o, err := env.Manager.Get(ctx, args[0], orderPartner)
		if err != nil {
			return err
		}
		return render(os.Stdout, o)
	},
}

var orderCancelCmd = &cobra.Command{
	Use:   "cancel <order-id>",
	Short: "Cancel a confirmed order and refund its reservation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeDB)
		if err != nil {
			return err
		}
		defer env.Close()

		o, err := env.Manager.Cancel(ctx, args[0], orderPartner)
		if err != nil {
			return err
		}
		return render(os.Stdout, o)
	},
}

var (
	listStatus string
	listOffset int
	listLimit  int
)

// orderPage is the rendered result of order list.
type orderPage struct {
	Total  int           `json:"total" yaml:"total"`
	Offset int           `json:"offset" yaml:"offset"`
	Orders []order.Order `json:"orders" yaml:"orders"`
}

var orderListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a partner's orders, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		filter := order.ListFilter{PartnerID: orderPartner, Offset: listOffset, Limit: listLimit}
		if listStatus != "" {
			st, err := order.ParseStatus(listStatus)
			if err != nil {
				return err
			}
			filter.Status = st
		}

		env, err := initEnv(ctx, config.ModeDB)
		if err != nil {
			return err
		}
		defer env.Close()

		orders, total, err := env.Manager.List(ctx, filter)
		if err != nil {
			return err
		}
		return render(os.Stdout, orderPage{Total: total, Offset: listOffset, Orders: orders})
	},
}

func init() {
	orderCreateFlags.bind(orderCreateCmd)

	orderGetCmd.Flags().StringVar(&orderPartner, "partner", "", "only show the order if it belongs to this partner")
	orderCancelCmd.Flags().StringVar(&orderPartner, "partner", "", "partner id owning the order")
	_ = orderCancelCmd.MarkFlagRequired("partner")

	orderListCmd.Flags().StringVar(&orderPartner, "partner", "", "partner id (all partners when empty)")
	orderListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	orderListCmd.Flags().IntVar(&listOffset, "offset", 0, "number of orders to skip")
	orderListCmd.Flags().IntVar(&listLimit, "limit", 50, "page size (1-200)")

	orderCmd.AddCommand(orderCreateCmd, orderGetCmd, orderCancelCmd, orderListCmd)
	rootCmd.AddCommand(orderCmd)
}
