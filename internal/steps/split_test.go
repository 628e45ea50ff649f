package steps

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
	"github.com/apk-analysis/apk-patcher-go/internal/step"
	"github.com/apk-analysis/apk-patcher-go/internal/testutil"
)

func splitRunner(opts Options) *step.Runner {
	return newRunner(
		NewDownloadBaseStep(opts),
		NewDownloadLangStep(opts),
		NewDownloadResourcesStep(opts),
		NewDownloadLibsStep(opts),
		NewAddLocaleSplitStep(opts),
	)
}

// TestAddLocaleSplitStep 测试安装集合包含主包与已下载的分包
func TestAddLocaleSplitStep(t *testing.T) {
	f := newFixture(t)
	f.opts.Locale = language.MustParse("en-GB")
	f.opts.Density = "xxhdpi"
	r := splitRunner(f.opts)
	require.NoError(t, r.Run(context.Background()))

	a, err := r.GetCompletedStep(step.KindAddLocaleSplit)
	require.NoError(t, err)
	require.NotNil(t, a.Split)
	assert.Equal(t, "en-GB", a.Split.Locale)

	base, _ := r.CompletedFile(step.KindDownloadBase)
	lang, _ := r.CompletedFile(step.KindDownloadLang)
	res, _ := r.CompletedFile(step.KindDownloadResources)
	assert.Equal(t, lang.Path, a.Split.Path)
	assert.Equal(t, []string{base.Path, lang.Path, res.Path}, a.Split.InstallSet)
	assert.Equal(t, 1, f.mirror.hitCount("config.en"))
	assert.Equal(t, 1, f.mirror.hitCount("config.xxhdpi"))
}

// TestAddLocaleSplitStep_Mismatch 测试 split 名或包名不匹配
func TestAddLocaleSplitStep_Mismatch(t *testing.T) {
	cases := map[string][]byte{
		"wrong split":   testutil.Manifest(testPackage, "config.fr", 0, 0),
		"wrong package": testutil.Manifest("com.example.other", "config.en", 0, 0),
	}
	for name, manifest := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.mirror.files["config.en"] = buildAPK(t, map[string][]byte{"AndroidManifest.xml": manifest})

			r := splitRunner(f.opts)
			err := r.Run(context.Background())
			assert.True(t, errors.Is(err, patcherr.ErrMalformed))

			var stepErr *step.StepError
			require.True(t, errors.As(err, &stepErr))
			assert.Equal(t, step.KindAddLocaleSplit, stepErr.Kind)
		})
	}
}
