package cmd

import (
	"github.com/cmu-sei/gameboard-engine/internal/manifest"
	server "github.com/cmu-sei/gameboard-engine/pkg"
	"github.com/cmu-sei/gameboard-engine/pkg/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var importCmd = &cobra.Command{
	Use:   "import [dir]",
	Short: "Import game manifests and exit",
	Long:  "Imports every game.yml under the given directory (or launch.manifest_dir from config) into the database, then exits.",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Get()
		dir := cfg.Launch.ManifestDir
		if len(args) == 1 {
			dir = args[0]
		}
		if dir == "" {
			zap.S().Fatal("No manifest directory given and launch.manifest_dir is not set")
		}

		db, err := server.InitDB(cfg.Launch.DBPath)
		if err != nil {
			zap.S().Fatalf("Failed to initialize database: %v", err)
		}

		imported, err := manifest.NewImporter(db).ImportDir(dir)
		if err != nil {
			zap.S().Fatalf("Failed to import game manifests: %v", err)
		}
		zap.S().Infof("Imported %d game manifests from %s", imported, dir)
	},
}
