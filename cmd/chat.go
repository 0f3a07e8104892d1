package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/studiora/mentorcore/config"
	"github.com/studiora/mentorcore/internal/cache"
	"github.com/studiora/mentorcore/internal/embedding"
	"github.com/studiora/mentorcore/internal/engine"
	"github.com/studiora/mentorcore/internal/index"
	"github.com/studiora/mentorcore/internal/ingest"
	"github.com/studiora/mentorcore/internal/memory"
	"github.com/studiora/mentorcore/provider"
)

// chatCMD is a developer loop over the chat-turn pipeline: ingest the
// given documents, then read learner messages from stdin.
func chatCMD() *cobra.Command {
	var cfgPath string
	var docs []string
	var userID, agentRole, taskID, taskContext string

	var chat = &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat turn loop against ingested documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			embedder, err := embedding.New(cfg.Embedding)
			if err != nil {
				return err
			}
			idx, err := index.New(embedder, index.Options{
				Hybrid: cfg.Retrieval.Hybrid,
				RRFK:   cfg.Retrieval.RRFK,
			}, nil)
			if err != nil {
				return err
			}

			if len(docs) > 0 {
				pipeline := ingest.NewPipeline(idx, cfg.Ingest, nil)
				results, err := pipeline.IngestFiles(ctx, docs)
				if err != nil {
					return err
				}
				for _, r := range results {
					fmt.Printf("%-8s %s (%d chunks)\n", r.Status, r.Path, r.Chunks)
				}
			}

			llm, err := provider.NewProvider(cfg.LLM)
			if err != nil {
				return err
			}
			mgr := cache.NewManager(cfg.Cache, nil)
			defer func() { _ = mgr.Shutdown() }()
			store := cache.NewSnapshotStore(mgr, cfg.Cache.CommandTimeout)
			policy := cache.NewPolicy(cfg.Cache.TTL)
			memories := memory.NewManager(cfg.Memory, llm, nil)
			eng := engine.New(store, policy, idx, memories, llm, cfg.Retrieval, nil)

			sessionID := uuid.NewString()
			log.Printf("session %s (user=%s role=%s)", sessionID, userID, agentRole)

			scanner := bufio.NewScanner(os.Stdin)
			fmt.Print("> ")
			for scanner.Scan() {
				msg := strings.TrimSpace(scanner.Text())
				if msg == "" {
					fmt.Print("> ")
					continue
				}
				res, err := eng.ChatTurn(ctx, engine.TurnRequest{
					SessionID:   sessionID,
					UserID:      userID,
					TaskID:      taskID,
					TaskContext: taskContext,
					AgentRole:   agentRole,
					Message:     msg,
				})
				if err != nil {
					fmt.Printf("error: %v\n> ", err)
					continue
				}
				fmt.Printf("%s\n> ", res.Reply)
			}
			return scanner.Err()
		},
	}
	chat.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	chat.Flags().StringArrayVar(&docs, "docs", nil, "document files to ingest before chatting")
	chat.Flags().StringVar(&userID, "user", "dev", "learner user id")
	chat.Flags().StringVar(&agentRole, "role", "project-manager", "agent role to chat as")
	chat.Flags().StringVar(&taskID, "task", "task-1", "task id")
	chat.Flags().StringVar(&taskContext, "context", "sandbox", "task context")
	return chat
}
