package region

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/quallocator/arsenal/internal/utils"
	"github.com/quallocator/arsenal/memutils"
	"github.com/quallocator/arsenal/memutils/osmem"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = memutils.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that the allocator will not be synchronized internally. The
	// consumer must guarantee it is used from only one goroutine at a time or is synchronized by some
	// other mechanism.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateDisableCoalescing prevents adjacent free sections of a region from being merged when a
	// search finds a free section that is too small
	CreateDisableCoalescing
	// CreateKeepEmptyRegions keeps a region mapped after its last live section is freed, so it can serve
	// later allocations without a new mapping. Empty regions are only unmapped by Destroy.
	CreateKeepEmptyRegions
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
	CreateDisableCoalescing.Register("CreateDisableCoalescing")
	CreateKeepEmptyRegions.Register("CreateKeepEmptyRegions")
}

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// Mapper provides the regions. osmem.SystemMapper is used when nil.
	Mapper osmem.Mapper
	// MinRegionSize is the smallest region that will be mapped, rounded up to whole pages. Regions are
	// never smaller than one page. Larger regions make room for more sections per mapping.
	MinRegionSize int
}

// New creates a new Allocator. No region is mapped until the first allocation.
//
// logger - Receives debug records when regions are mapped and unmapped and error records when a
// region could not be unmapped. A nil logger discards them.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if options.MinRegionSize < 0 {
		return nil, cerrors.Newf("invalid minimum region size: %d", options.MinRegionSize)
	}

	mapper := options.Mapper
	if mapper == nil {
		mapper = osmem.SystemMapper{}
	}

	err := memutils.CheckPow2(mapper.PageSize(), "page size")
	if err != nil {
		return nil, err
	}

	allocator := &Allocator{
		logger:        utils.LoggerOrDiscard(logger),
		flags:         options.Flags,
		mapper:        mapper,
		minRegionSize: osmem.RoundUpToPage(mapper, options.MinRegionSize),
		regions:       swiss.NewMap[uint64, []byte](42),
		live:          swiss.NewMap[uintptr, liveSection](42),
	}
	allocator.mutex.Init(options.Flags&CreateExternallySynchronized == 0)

	return allocator, nil
}
