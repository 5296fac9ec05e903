package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"syncstream/client"
	"syncstream/core/playback"
	"syncstream/core/reconcile"
	"syncstream/core/room"

	"github.com/spf13/cobra"
)

var (
	listenURL      string
	listenRoom     string
	listenUser     string
	listenLoopMode string
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "终端里加入房间并打印同步状态",
	Long:  `连接 /ws，加入房间并按服务端事件维护本地投影；断线后按 1s 起步、最长 5s 的间隔重连，最多 5 次。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if listenRoom == "" || listenUser == "" {
			return fmt.Errorf("--room 和 --user 必填")
		}
		mode, err := playback.ParseLoopMode(listenLoopMode)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		url := listenURL
		if url == "" {
			url = "ws://localhost" + cfg.HTTPAddr + "/ws"
			if !strings.HasPrefix(cfg.HTTPAddr, ":") {
				url = "ws://" + cfg.HTTPAddr + "/ws"
			}
		}

		conn, err := client.Dial(ctx, client.Options{URL: url})
		if err != nil {
			return err
		}
		if err := conn.Join(listenRoom, listenUser); err != nil {
			return err
		}

		var (
			mu    sync.Mutex
			proj  = reconcile.Projection{RoomID: listenRoom, LoopMode: mode}
			ended string
		)

		// 终端没有真实播放器，按曲目时长判断播完，由本端发起循环模式对应的意图
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					mu.Lock()
					t := proj.CurrentTrack()
					if t == nil || !proj.IsPlaying || t.Duration <= 0 || proj.Position(now) < t.Duration || ended == t.ID {
						mu.Unlock()
						continue
					}
					ended = t.ID
					intent, _, ok := reconcile.OnTrackEnded(proj)
					mu.Unlock()
					if !ok {
						continue
					}
					msg, err := intent.Message(listenRoom, "")
					if err == nil {
						err = conn.Send(msg)
					}
					if err != nil {
						fmt.Printf("[warn] %v\n", err)
					}
				}
			}
		}()

		err = conn.Run(ctx, func(msg *room.WSMessage) {
			if msg.Type == room.MsgTypeError {
				var e room.ErrorData
				if msg.DecodeData(&e) == nil {
					fmt.Printf("[error] %s: %s\n", e.Code, e.Message)
				}
				return
			}

			mu.Lock()
			local := proj.Position(time.Now())
			next, err := reconcile.Apply(proj, msg)
			if err != nil {
				mu.Unlock()
				fmt.Printf("[warn] %v\n", err)
				return
			}
			if msg.Type == room.MsgTypeMusicSync {
				if target, ok := reconcile.Drift(local, next.PositionSeconds, reconcile.DefaultTolerance); ok {
					fmt.Printf("[sync] 校正进度 %.1fs -> %.1fs\n", local, target)
				}
			}
			if t := next.CurrentTrack(); t == nil || t.ID != ended || next.Position(time.Now()) < t.Duration {
				ended = ""
			}
			proj = next
			mu.Unlock()

			printProjection(msg.Type, next)
			if next.Deleted {
				conn.Close()
			}
		})
		if errors.Is(err, context.Canceled) || errors.Is(err, client.ErrClosed) {
			return nil
		}
		return err
	},
}

func printProjection(event room.MessageType, p reconcile.Projection) {
	if p.Deleted {
		fmt.Println("房间已被删除")
		return
	}
	title := "-"
	if t := p.CurrentTrack(); t != nil {
		title = t.Title + " - " + t.Artist
	}
	state := "paused"
	if p.IsPlaying {
		state = "playing"
	}
	fmt.Printf("[%s] %s | %s %.1fs | 歌单 %d 首 | 在线 %s\n",
		event, title, state, p.Position(time.Now()), len(p.Playlist), strings.Join(p.Members, ","))
}

func init() {
	listenCmd.Flags().StringVar(&listenURL, "url", "", "WebSocket 地址，默认按 HTTP_ADDR 推导")
	listenCmd.Flags().StringVar(&listenRoom, "room", "", "房间ID")
	listenCmd.Flags().StringVar(&listenUser, "user", "", "用户名")
	listenCmd.Flags().StringVar(&listenLoopMode, "loop", "none", "循环模式 none|playlist|single")
	rootCmd.AddCommand(listenCmd)
}
