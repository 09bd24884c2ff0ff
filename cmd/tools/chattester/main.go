// chattester 是在命令行里直接驱动对话编排与历史存储的调试工具，不经过 HTTP。
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// 没有 .env 时直接使用系统环境变量
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
