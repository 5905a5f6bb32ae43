package stylesheet

import "github.com/Sumatoshi-tech/stylefang/pkg/asset"

func init() {
	for _, ext := range []string{".less", ".css"} {
		asset.Register(ext, func(a *asset.Asset) asset.Handler { return NewForAsset(a) })
	}

	for _, ext := range []string{".scss", ".sass"} {
		asset.Register(ext, func(a *asset.Asset) asset.Handler { return NewSassForAsset(a, "") })
	}
}
