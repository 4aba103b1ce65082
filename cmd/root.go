package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	app := newApp()

	rootCmd := &cobra.Command{
		Use:   "opentranslive",
		Short: "Live transcription and translation, synchronized per session",
		Long: "opentranslive captures audio, transcribes and translates it, and distributes the " +
			"ordered transcript of each session to viewers over websocket, SSE and HTTP.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.load(cmd)
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			app.sync()
		},
	}
	rootCmd.PersistentFlags().String("config", "", "config file (default ./opentranslive.toml)")
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file loaded before the environment is read")

	rootCmd.AddCommand(
		newServeCmd(app),
		newCaptureCmd(app),
		newTokenCmd(app),
		newWatchCmd(app),
	)

	return rootCmd
}
