// APIサーバーのエントリポイント。
// 環境変数から設定を読み込み、データベース・レート制限・キャッシュ・
// オブジェクトストレージを組み立ててHTTPサーバーを起動する。
package main

import (
	"log"

	"github.com/nao1215/apibase/internal/config"
	"github.com/nao1215/apibase/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	s, err := server.NewServer(cfg)
	if err != nil {
		log.Fatalf("APIサーバーの初期化に失敗: %v", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Printf("APIサーバーのクローズに失敗: %v", err)
		}
	}()

	log.Printf("APIサーバーを起動します: :%s", cfg.Port)
	if err := s.Run(); err != nil {
		log.Fatalf("APIサーバーの起動に失敗: %v", err)
	}
}
