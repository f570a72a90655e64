package di

import (
	"github.com/alpacahq/replicatedtree/catalog"
	"github.com/alpacahq/replicatedtree/utils/log"
)

func (c *Container) GetCatalogDir() *catalog.Directory {
	if c.catalogDir != nil {
		return c.catalogDir
	}

	catalogDir, err := catalog.NewDirectory(c.GetAbsRootDir())
	if err != nil {
		log.Error("Could not load the part directory: %s.", err.Error())
		panic(err)
	}
	log.Debug("loaded %d active parts from %s", len(catalogDir.PartNames()), c.GetAbsRootDir())

	c.catalogDir = catalogDir
	return c.catalogDir
}
